// Package generator turns generation requests into persisted, unanswered
// exercises.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// Store persists new exercises.
type Store interface {
	InsertExercise(ctx context.Context, ex *domain.Exercise) error
}

// WarmupPublisher emits a warm-up toward the grading path of a kind.
type WarmupPublisher interface {
	PublishWarmup(ctx context.Context, kind domain.Kind) error
}

// Source produces random payloads per kind. *exercise.Registry implements it.
type Source interface {
	Generate(kind domain.Kind) (domain.Payload, error)
}

// ErrNothingCreated is returned when every exercise of a batch failed.
var ErrNothingCreated = errors.New("no exercise created")

// Result summarizes one generation request.
type Result struct {
	Requested     int
	Created       int
	Failed        int
	WarmupsFailed int
}

// Config holds generator configuration
type Config struct {
	// Parallelism bounds concurrent inserts within one request (default: 4)
	Parallelism int
}

// Service generates exercises
type Service struct {
	store       Store
	warmups     WarmupPublisher
	source      Source
	parallelism int
	newID       func() string
}

// NewService creates a new generator service
func NewService(store Store, warmups WarmupPublisher, source Source, cfg Config) *Service {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Service{
		store:       store,
		warmups:     warmups,
		source:      source,
		parallelism: cfg.Parallelism,
		newID:       uuid.NewString,
	}
}

// Generate creates req.Count exercises for the user. Each exercise is
// handled on its own: a failed insert or warm-up is logged and the rest of
// the batch continues. A non-positive count is a logged no-op. An error is
// returned only when nothing could be created, so redelivery does not
// duplicate exercises that were already stored.
func (s *Service) Generate(ctx context.Context, req message.GenerationRequest) (Result, error) {
	res := Result{Requested: req.Count}
	if req.Count <= 0 {
		slog.Warn("invalid exercise count",
			"user_id", req.UserID,
			"kind", req.Kind,
			"count", req.Count,
		)
		return res, nil
	}

	var created, failed, warmupsFailed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := 0; i < req.Count; i++ {
		g.Go(func() error {
			ok, warmed := s.generateOne(gctx, req.UserID, req.Kind)
			if !ok {
				failed.Add(1)
				return nil
			}
			created.Add(1)
			if !warmed {
				warmupsFailed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Created = int(created.Load())
	res.Failed = int(failed.Load())
	res.WarmupsFailed = int(warmupsFailed.Load())

	slog.Info("generated exercises",
		"user_id", req.UserID,
		"kind", req.Kind,
		"requested", res.Requested,
		"created", res.Created,
		"failed", res.Failed,
		"warmups_failed", res.WarmupsFailed,
	)

	if res.Created == 0 {
		return res, fmt.Errorf("generate %d %s for %s: %w", req.Count, req.Kind, req.UserID, ErrNothingCreated)
	}
	return res, nil
}

// generateOne inserts one exercise and emits its warm-up. It reports
// whether the exercise was stored and whether the warm-up was sent.
func (s *Service) generateOne(ctx context.Context, userID string, kind domain.Kind) (stored, warmed bool) {
	payload, err := s.source.Generate(kind)
	if err != nil {
		slog.Error("failed to generate payload", "user_id", userID, "kind", kind, "error", err)
		return false, false
	}

	ex := domain.NewExercise(s.newID(), userID, payload)
	if err := s.store.InsertExercise(ctx, ex); err != nil {
		slog.Error("failed to store exercise",
			"user_id", userID,
			"exercise_id", ex.ID,
			"kind", kind,
			"error", err,
		)
		return false, false
	}

	if err := s.warmups.PublishWarmup(ctx, kind); err != nil {
		slog.Warn("failed to publish warmup",
			"user_id", userID,
			"exercise_id", ex.ID,
			"kind", kind,
			"error", err,
		)
		return true, false
	}
	return true, true
}

// Handler returns the message handler for the generation queue of kind.
// Malformed or mis-routed messages return an error wrapping
// domain.ErrMalformedRequest.
func (s *Service) Handler(kind domain.Kind) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		req, err := message.DecodeGeneration(body, kind)
		if err != nil {
			slog.Warn("dropping malformed generation request", "kind", kind, "error", err)
			return err
		}
		_, err = s.Generate(ctx, req)
		return err
	}
}
