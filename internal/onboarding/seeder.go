// Package onboarding fills the exercise pools of a new user.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// DefaultCount is the number of exercises requested per kind.
const DefaultCount = 10

// Publisher emits generation requests and grading warm-ups.
type Publisher interface {
	PublishGeneration(ctx context.Context, req message.GenerationRequest) error
	PublishWarmup(ctx context.Context, kind domain.Kind) error
}

// Seeder requests the initial exercises for a user.
type Seeder struct {
	publisher Publisher
	kinds     []domain.Kind
	count     int
}

// NewSeeder creates a seeder requesting count exercises of every kind.
// A non-positive count falls back to DefaultCount.
func NewSeeder(publisher Publisher, count int) *Seeder {
	if count <= 0 {
		count = DefaultCount
	}
	return &Seeder{
		publisher: publisher,
		kinds:     domain.AllKinds(),
		count:     count,
	}
}

// Seed publishes one generation request and one warm-up per kind. A
// failure for one kind does not stop the others; all failures are
// returned together.
func (s *Seeder) Seed(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrUnauthorized
	}

	var errs []error
	for _, kind := range s.kinds {
		req := message.GenerationRequest{UserID: userID, Kind: kind, Count: s.count}
		if err := s.publisher.PublishGeneration(ctx, req); err != nil {
			slog.Error("failed to request initial exercises", "user_id", userID, "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("seed %s: %w", kind, err))
			continue
		}
		if err := s.publisher.PublishWarmup(ctx, kind); err != nil {
			slog.Warn("failed to warm up grader", "kind", kind, "error", err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("seeded exercise pools", "user_id", userID, "kinds", len(s.kinds), "count", s.count)
	return nil
}
