// Package replenish keeps a user's pool of unanswered exercises from
// running dry by requesting more when one gets answered.
package replenish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// Counter reports the number of unanswered exercises of a kind.
type Counter interface {
	CountUnanswered(ctx context.Context, userID string, kind domain.Kind) (int, error)
}

// GenerationPublisher requests new exercises.
type GenerationPublisher interface {
	PublishGeneration(ctx context.Context, req message.GenerationRequest) error
}

// Threshold is the floor and batch size for one kind.
type Threshold struct {
	Floor int
	Batch int
}

// Policy decides when and by how much a pool is topped up.
type Policy struct {
	Default Threshold
	PerKind map[domain.Kind]Threshold
}

// DefaultPolicy tops up one exercise at a time once fewer than five remain.
func DefaultPolicy() Policy {
	return Policy{Default: Threshold{Floor: 5, Batch: 1}}
}

// For returns the threshold that applies to kind.
func (p Policy) For(kind domain.Kind) Threshold {
	if t, ok := p.PerKind[kind]; ok {
		return t
	}
	return p.Default
}

// Watcher reacts to answered transitions on the change feed.
type Watcher struct {
	counter   Counter
	publisher GenerationPublisher
	policy    Policy
}

// NewWatcher creates a new replenishment watcher
func NewWatcher(counter Counter, publisher GenerationPublisher, policy Policy) *Watcher {
	return &Watcher{counter: counter, publisher: publisher, policy: policy}
}

// HandleChange requests Batch new exercises when ev answered an exercise
// and the user's pool of that kind is below Floor but not empty. An empty
// pool is left to onboarding. It reports whether a request was published.
// Concurrent events for one user may both trigger; slight over-generation
// is accepted.
func (w *Watcher) HandleChange(ctx context.Context, ev domain.ChangeEvent) (bool, error) {
	if !ev.IsAnsweredTransition() {
		return false, nil
	}

	userID, kind := ev.Subject()
	n, err := w.counter.CountUnanswered(ctx, userID, kind)
	if err != nil {
		return false, fmt.Errorf("count unanswered %s/%s: %w", userID, kind, err)
	}

	th := w.policy.For(kind)
	if n <= 0 || n >= th.Floor {
		slog.Debug("pool needs no replenishment", "user_id", userID, "kind", kind, "unanswered", n)
		return false, nil
	}

	req := message.GenerationRequest{UserID: userID, Kind: kind, Count: th.Batch}
	if err := w.publisher.PublishGeneration(ctx, req); err != nil {
		return false, fmt.Errorf("request replenishment for %s/%s: %w", userID, kind, err)
	}

	slog.Info("requested replenishment",
		"user_id", userID,
		"kind", kind,
		"unanswered", n,
		"count", th.Batch,
	)
	return true, nil
}

// Handle adapts HandleChange to the change-feed handler signature.
func (w *Watcher) Handle(ctx context.Context, ev domain.ChangeEvent) error {
	_, err := w.HandleChange(ctx, ev)
	return err
}
