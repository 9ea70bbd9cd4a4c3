package domain

import "time"

// ChangeType is the mutation that produced a change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// ExerciseImage is the part of an exercise captured before and after a
// mutation.
type ExerciseImage struct {
	UserID     string `json:"uid"`
	ExerciseID string `json:"eid"`
	Kind       Kind   `json:"kind"`
	Answered   bool   `json:"answered"`
	Correct    bool   `json:"correct"`
}

// ChangeEvent is one entry of the exercise change feed. Seq is strictly
// increasing in commit order. Previous is nil for inserts.
type ChangeEvent struct {
	Seq        int64
	Type       ChangeType
	Previous   *ExerciseImage
	Current    *ExerciseImage
	OccurredAt time.Time
}

// IsAnsweredTransition reports whether the event flipped answered from
// false to true. Same-value writes do not qualify.
func (e ChangeEvent) IsAnsweredTransition() bool {
	if e.Type != ChangeUpdate || e.Previous == nil || e.Current == nil {
		return false
	}
	return !e.Previous.Answered && e.Current.Answered
}

// Subject returns the user and kind the event belongs to.
func (e ChangeEvent) Subject() (userID string, kind Kind) {
	img := e.Current
	if img == nil {
		img = e.Previous
	}
	if img == nil {
		return "", ""
	}
	return img.UserID, img.Kind
}
