// Package profile summarizes a user's grading history.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// Summary is the per-kind profile of a user.
type Summary struct {
	UserID string                    `json:"uid"`
	Kinds  map[domain.Kind]KindStats `json:"kinds"`
}

// KindStats describes the graded exercises of one kind. Grade is only set
// once something has been answered.
type KindStats struct {
	Answered  int                `json:"answered"`
	Correct   int                `json:"correct"`
	Ratio     float64            `json:"ratio"`
	Grade     *int               `json:"grade,omitempty"`
	Exercises []AnsweredExercise `json:"exercises"`
}

// AnsweredExercise is a graded exercise as shown on the profile.
type AnsweredExercise struct {
	ID       string         `json:"eid"`
	Payload  domain.Payload `json:"payload"`
	Answer   domain.Answer  `json:"solution"`
	Correct  bool           `json:"correct"`
	SolvedAt *time.Time     `json:"solved_at,omitempty"`
}

// Service handles profile business logic
type Service struct {
	reader Reader
}

// NewService creates a new profile service
func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// Summary returns counts, ratio and grade for every kind. Kinds the user
// has never answered are present with zero counts.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}

	tallies, err := s.reader.Tallies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load tallies: %w", err)
	}
	byKind := make(map[domain.Kind]domain.Tally, len(tallies))
	for _, t := range tallies {
		byKind[t.Kind] = t
	}

	summary := &Summary{
		UserID: userID,
		Kinds:  make(map[domain.Kind]KindStats),
	}
	for _, kind := range domain.AllKinds() {
		answered, err := s.reader.ListAnswered(ctx, userID, kind)
		if err != nil {
			return nil, fmt.Errorf("list answered %s: %w", kind, err)
		}
		summary.Kinds[kind] = buildStats(byKind[kind], answered)
	}

	slog.Debug("built profile summary", "user_id", userID)
	return summary, nil
}

func buildStats(t domain.Tally, answered []*domain.Exercise) KindStats {
	stats := KindStats{
		Answered:  t.Answered(),
		Correct:   t.CorrectCount,
		Exercises: make([]AnsweredExercise, 0, len(answered)),
	}
	if stats.Answered > 0 {
		stats.Ratio = float64(stats.Correct) / float64(stats.Answered)
		g := GradeFor(stats.Ratio)
		stats.Grade = &g
	}
	for _, ex := range answered {
		stats.Exercises = append(stats.Exercises, AnsweredExercise{
			ID:       ex.ID,
			Payload:  ex.Payload,
			Answer:   ex.Answer,
			Correct:  ex.Correct,
			SolvedAt: ex.SolvedAt,
		})
	}
	return stats
}

// GradeFor maps a correctness ratio onto the school grade scale, 1 being best.
func GradeFor(ratio float64) int {
	switch {
	case ratio > 0.87:
		return 1
	case ratio >= 0.74:
		return 2
	case ratio >= 0.59:
		return 3
	case ratio >= 0.49:
		return 4
	default:
		return 5
	}
}
