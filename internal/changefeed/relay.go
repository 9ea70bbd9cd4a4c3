// Package changefeed delivers exercise change events from the storage
// outbox to in-process handlers.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// Feed reads the change outbox and persists consumer cursors.
type Feed interface {
	ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error)
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// Handler processes one change event. Returning an error stops the batch
// and the event is retried on the next poll; an error for which
// domain.IsPermanent holds is logged and skipped.
type Handler func(ctx context.Context, ev domain.ChangeEvent) error

// Config holds relay configuration
type Config struct {
	Name         string        // Cursor name (default: "replenish")
	PollInterval time.Duration // Delay between polls (default: 1s)
	BatchSize    int           // Events read per poll (default: 100)
	Timeout      time.Duration // Bound on each feed call and handler call (default: 10s)
}

// Relay polls the outbox and dispatches events in sequence order. The
// cursor only advances past events whose handlers succeeded, so delivery
// is at-least-once.
type Relay struct {
	feed     Feed
	handlers []Handler
	name     string
	interval time.Duration
	batch    int
	timeout  time.Duration
	cursor   int64
	loaded   bool
}

// NewRelay creates a relay dispatching to handlers in order.
func NewRelay(feed Feed, cfg Config, handlers ...Handler) *Relay {
	if cfg.Name == "" {
		cfg.Name = "replenish"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Relay{
		feed:     feed,
		handlers: handlers,
		name:     cfg.Name,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		timeout:  cfg.Timeout,
	}
}

// Run polls until ctx is done. A full batch is followed immediately by
// another poll.
func (r *Relay) Run(ctx context.Context) error {
	slog.Info("change feed relay started", "cursor", r.name, "interval", r.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("change feed relay stopped", "cursor", r.name)
			return nil
		case <-timer.C:
		}

		n, err := r.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("change feed poll failed", "cursor", r.name, "error", err)
		}

		next := r.interval
		if err == nil && n == r.batch {
			next = 0
		}
		timer.Reset(next)
	}
}

// Poll processes one batch and returns the number of events completed.
// Each feed call and each handler call is bounded by the relay timeout.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.loaded {
		seq, err := r.loadCursor(ctx)
		if err != nil {
			return 0, err
		}
		r.cursor, r.loaded = seq, true
	}

	events, err := r.changesAfter(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	var handlerErr error
	for _, ev := range events {
		if err := r.dispatch(ctx, ev); err != nil {
			handlerErr = fmt.Errorf("change %d: %w", ev.Seq, err)
			break
		}
		r.cursor = ev.Seq
		done++
	}

	if done > 0 {
		if err := r.saveCursor(ctx); err != nil {
			return done, fmt.Errorf("save cursor: %w", err)
		}
	}
	return done, handlerErr
}

func (r *Relay) loadCursor(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.feed.LoadCursor(ctx, r.name)
}

func (r *Relay) changesAfter(ctx context.Context) ([]domain.ChangeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.feed.ChangesAfter(ctx, r.cursor, r.batch)
}

func (r *Relay) saveCursor(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.feed.SaveCursor(ctx, r.name, r.cursor)
}

func (r *Relay) dispatch(ctx context.Context, ev domain.ChangeEvent) error {
	for _, h := range r.handlers {
		err := r.handle(ctx, h, ev)
		if err == nil {
			continue
		}
		if domain.IsPermanent(err) {
			slog.Warn("skipping change event", "seq", ev.Seq, "error", err)
			continue
		}
		return err
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, h Handler, ev domain.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return h(ctx, ev)
}

// Cursor returns the last sequence number processed.
func (r *Relay) Cursor() int64 {
	return r.cursor
}
