// Package grading evaluates submitted answers and commits each verdict at
// most once.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// Store loads exercises and applies verdicts.
type Store interface {
	GetExercise(ctx context.Context, userID, id string) (*domain.Exercise, error)
	RecordGrade(ctx context.Context, g domain.Grade) error
}

// Checker evaluates an answer against a payload. *exercise.Registry
// implements it.
type Checker interface {
	Check(p domain.Payload, a domain.Answer) (bool, error)
}

// Outcome is the terminal state of one grading request.
type Outcome int

const (
	// OutcomeFailed means a transient error; the request should be redelivered.
	OutcomeFailed Outcome = iota
	OutcomeWarmup
	OutcomeCommitted
	OutcomeDuplicate
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWarmup:
		return "warmup"
	case OutcomeCommitted:
		return "committed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Coordinator grades submissions.
type Coordinator struct {
	store   Store
	checker Checker
	timeout time.Duration
	now     func() time.Time
}

// NewCoordinator creates a coordinator. timeout bounds the storage calls
// of one request; zero leaves them bounded by the caller's context only.
func NewCoordinator(store Store, checker Checker, timeout time.Duration) *Coordinator {
	return &Coordinator{
		store:   store,
		checker: checker,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Grade evaluates req against the stored exercise and commits the verdict.
// A request for an exercise that is already answered is a Duplicate with a
// nil error. Rejected outcomes carry a permanent error; Failed outcomes
// carry a transient one.
func (c *Coordinator) Grade(ctx context.Context, req message.GradingRequest) (Outcome, error) {
	if req.Warmup {
		return OutcomeWarmup, nil
	}
	if err := validate(req); err != nil {
		return OutcomeRejected, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ex, err := c.store.GetExercise(ctx, req.UserID, req.ExerciseID)
	if errors.Is(err, domain.ErrExerciseNotFound) {
		return OutcomeRejected, fmt.Errorf("grade %s: %w", req.ExerciseID, err)
	}
	if err != nil {
		err = fmt.Errorf("load exercise %s: %w", req.ExerciseID, err)
		if domain.IsPermanent(err) {
			return OutcomeRejected, err
		}
		return OutcomeFailed, err
	}
	if ex.Kind != req.Kind {
		return OutcomeRejected, fmt.Errorf("%w: exercise %s is %s, graded as %s", domain.ErrKindMismatch, ex.ID, ex.Kind, req.Kind)
	}
	if ex.Answered {
		return OutcomeDuplicate, nil
	}
	if req.Payload != nil && !reflect.DeepEqual(req.Payload, ex.Payload) {
		slog.Warn("submitted parameters differ from stored exercise",
			"user_id", req.UserID,
			"exercise_id", req.ExerciseID,
			"kind", req.Kind,
		)
	}

	correct, err := c.checker.Check(ex.Payload, req.Answer)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", domain.ErrInvalidAnswer, err)
	}

	err = c.store.RecordGrade(ctx, domain.Grade{
		UserID:     req.UserID,
		ExerciseID: req.ExerciseID,
		Kind:       req.Kind,
		Answer:     req.Answer,
		Correct:    correct,
		SolvedAt:   c.now(),
	})
	switch {
	case err == nil:
		return OutcomeCommitted, nil
	case errors.Is(err, domain.ErrAlreadyAnswered):
		return OutcomeDuplicate, nil
	case domain.IsPermanent(err):
		return OutcomeRejected, err
	default:
		return OutcomeFailed, fmt.Errorf("record grade %s: %w", req.ExerciseID, err)
	}
}

func validate(req message.GradingRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: missing uid", domain.ErrMalformedRequest)
	case req.ExerciseID == "":
		return fmt.Errorf("%w: missing eid", domain.ErrMalformedRequest)
	case !req.Kind.Valid():
		return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, domain.ErrInvalidKind)
	case req.Answer == nil:
		return fmt.Errorf("%w: missing solution", domain.ErrMalformedRequest)
	}
	if req.Payload != nil {
		if err := req.Payload.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
		}
	}
	return nil
}

// Handler returns the message handler for the grading queue of kind.
// Its error follows the queue's ack contract: nil for committed, duplicate
// and warm-up messages, a permanent error for rejected ones.
func (c *Coordinator) Handler(kind domain.Kind) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		req, err := message.DecodeGrading(body, kind)
		if err != nil {
			slog.Warn("dropping malformed grading request", "kind", kind, "error", err)
			return err
		}

		outcome, err := c.Grade(ctx, req)
		switch outcome {
		case OutcomeWarmup:
			slog.Debug("warmup consumed", "kind", kind)
		case OutcomeCommitted, OutcomeDuplicate:
			slog.Info("grading request processed",
				"user_id", req.UserID,
				"exercise_id", req.ExerciseID,
				"kind", kind,
				"outcome", outcome.String(),
			)
		case OutcomeRejected:
			slog.Warn("grading request rejected",
				"user_id", req.UserID,
				"exercise_id", req.ExerciseID,
				"kind", kind,
				"error", err,
			)
		}
		return err
	}
}
