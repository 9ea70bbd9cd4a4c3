package domain

import (
	"fmt"
	"time"
)

// Kind identifies an exercise family. Each kind has its own generator,
// correctness predicate and message routing key.
type Kind string

const (
	KindAddition       Kind = "addition"
	KindMultiplication Kind = "multiplication"
	KindDerivative     Kind = "derivative"
)

// AllKinds returns every supported kind in a stable order.
func AllKinds() []Kind {
	return []Kind{KindAddition, KindMultiplication, KindDerivative}
}

// ParseKind converts a wire or path value into a Kind. The plural
// "derivatives" is accepted because older producers route with it.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindAddition):
		return KindAddition, nil
	case string(KindMultiplication):
		return KindMultiplication, nil
	case string(KindDerivative), "derivatives":
		return KindDerivative, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAddition, KindMultiplication, KindDerivative:
		return true
	}
	return false
}

// Operand bounds shared by the generators and payload validation.
const (
	MinOperands = 2
	MaxOperands = 10
	MinOperand  = 1
	MaxOperand  = 10
	MinPower    = 2
	MaxPower    = 10
)

// Exercise is one generated problem together with its answer state.
// Answer, Correct and SolvedAt are only meaningful once Answered is true
// and are always set in the same transition.
type Exercise struct {
	ID        string
	UserID    string
	Kind      Kind
	Payload   Payload
	Answered  bool
	Answer    Answer
	Correct   bool
	SolvedAt  *time.Time
	CreatedAt time.Time
}

// NewExercise creates an unanswered exercise for a user.
func NewExercise(id, userID string, payload Payload) *Exercise {
	return &Exercise{
		ID:        id,
		UserID:    userID,
		Kind:      payload.Kind(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Image returns the change-feed snapshot of the exercise.
func (e *Exercise) Image() *ExerciseImage {
	return &ExerciseImage{
		UserID:     e.UserID,
		ExerciseID: e.ID,
		Kind:       e.Kind,
		Answered:   e.Answered,
		Correct:    e.Correct,
	}
}

// Tally is a user's running count of graded exercises for one kind.
// CorrectCount + IncorrectCount equals the number of answered exercises
// of that kind for the user.
type Tally struct {
	UserID         string
	Kind           Kind
	CorrectCount   int
	IncorrectCount int
}

// Answered returns the total number of graded exercises.
func (t Tally) Answered() int {
	return t.CorrectCount + t.IncorrectCount
}

// Grade is the verdict applied to an exercise by the grading transaction.
type Grade struct {
	UserID     string
	ExerciseID string
	Kind       Kind
	Answer     Answer
	Correct    bool
	SolvedAt   time.Time
}
