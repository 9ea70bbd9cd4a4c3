package changefeed_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/changefeed"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
	"github.com/felixgeelhaar/mathdrill/internal/replenish"
	"github.com/felixgeelhaar/mathdrill/internal/storage/sqlite"
)

// memFeed is an in-memory outbox.
type memFeed struct {
	mu      sync.Mutex
	events  []domain.ChangeEvent
	cursors map[string]int64
}

func newMemFeed(n int) *memFeed {
	f := &memFeed{cursors: make(map[string]int64)}
	for i := 1; i <= n; i++ {
		f.events = append(f.events, domain.ChangeEvent{
			Seq:     int64(i),
			Type:    domain.ChangeInsert,
			Current: &domain.ExerciseImage{UserID: "u1", ExerciseID: fmt.Sprintf("e%d", i), Kind: domain.KindAddition},
		})
	}
	return f
}

func (f *memFeed) ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ChangeEvent
	for _, ev := range f.events {
		if ev.Seq > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *memFeed) LoadCursor(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[name], nil
}

func (f *memFeed) SaveCursor(ctx context.Context, name string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[name] = seq
	return nil
}

func TestPoll_DispatchesInOrder(t *testing.T) {
	feed := newMemFeed(5)
	var seen []int64
	r := changefeed.NewRelay(feed, changefeed.Config{BatchSize: 3}, func(ctx context.Context, ev domain.ChangeEvent) error {
		seen = append(seen, ev.Seq)
		return nil
	})
	ctx := context.Background()

	if n, err := r.Poll(ctx); err != nil || n != 3 {
		t.Fatalf("first Poll() = %d, %v; want 3", n, err)
	}
	if n, err := r.Poll(ctx); err != nil || n != 2 {
		t.Fatalf("second Poll() = %d, %v; want 2", n, err)
	}
	if n, _ := r.Poll(ctx); n != 0 {
		t.Errorf("third Poll() = %d; want 0", n)
	}

	want := []int64{1, 2, 3, 4, 5}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("seen = %v; want %v", seen, want)
	}
	if feed.cursors["replenish"] != 5 {
		t.Errorf("saved cursor = %d; want 5", feed.cursors["replenish"])
	}
}

func TestPoll_FailureStopsAndRetries(t *testing.T) {
	feed := newMemFeed(4)
	failOn := int64(3)
	var seen []int64
	r := changefeed.NewRelay(feed, changefeed.Config{}, func(ctx context.Context, ev domain.ChangeEvent) error {
		seen = append(seen, ev.Seq)
		if ev.Seq == failOn {
			return errors.New("broker down")
		}
		return nil
	})
	ctx := context.Background()

	n, err := r.Poll(ctx)
	if err == nil || n != 2 {
		t.Fatalf("Poll() = %d, %v; want 2 and an error", n, err)
	}
	if feed.cursors["replenish"] != 2 {
		t.Errorf("saved cursor = %d; want 2", feed.cursors["replenish"])
	}

	failOn = 0
	if n, err := r.Poll(ctx); err != nil || n != 2 {
		t.Fatalf("retry Poll() = %d, %v; want 2", n, err)
	}
	want := []int64{1, 2, 3, 3, 4}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("seen = %v; want %v", seen, want)
	}
}

func TestPoll_SkipsPermanentErrors(t *testing.T) {
	feed := newMemFeed(2)
	r := changefeed.NewRelay(feed, changefeed.Config{}, func(ctx context.Context, ev domain.ChangeEvent) error {
		if ev.Seq == 1 {
			return domain.ErrInvalidKind
		}
		return nil
	})

	if n, err := r.Poll(context.Background()); err != nil || n != 2 {
		t.Errorf("Poll() = %d, %v; want 2 with permanent error skipped", n, err)
	}
}

func TestPoll_ResumesFromSavedCursor(t *testing.T) {
	feed := newMemFeed(4)
	feed.cursors["replenish"] = 3

	var seen []int64
	r := changefeed.NewRelay(feed, changefeed.Config{}, func(ctx context.Context, ev domain.ChangeEvent) error {
		seen = append(seen, ev.Seq)
		return nil
	})
	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != 4 {
		t.Errorf("seen = %v; want [4]", seen)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	feed := newMemFeed(1)
	handled := make(chan struct{}, 1)
	r := changefeed.NewRelay(feed, changefeed.Config{PollInterval: 10 * time.Millisecond}, func(ctx context.Context, ev domain.ChangeEvent) error {
		handled <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("event not handled")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestPoll_BoundsBlockedHandler(t *testing.T) {
	feed := newMemFeed(2)
	var hadDeadline bool
	r := changefeed.NewRelay(feed, changefeed.Config{Timeout: 50 * time.Millisecond}, func(ctx context.Context, ev domain.ChangeEvent) error {
		_, hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Poll(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Poll() error = %v; want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll() blocked on a stalled handler")
	}
	if !hadDeadline {
		t.Error("handler context carried no deadline")
	}
	if feed.cursors["replenish"] != 0 {
		t.Errorf("saved cursor = %d; want 0 after a timed-out event", feed.cursors["replenish"])
	}
}

// stalledFeed blocks every read until the caller gives up.
type stalledFeed struct {
	memFeed
}

func (f *stalledFeed) ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPoll_BoundsStalledFeed(t *testing.T) {
	feed := &stalledFeed{memFeed: memFeed{cursors: make(map[string]int64)}}
	r := changefeed.NewRelay(feed, changefeed.Config{Timeout: 50 * time.Millisecond}, func(ctx context.Context, ev domain.ChangeEvent) error {
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Poll(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Poll() error = %v; want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll() blocked on a stalled feed")
	}
}

type generationRecorder struct {
	mu   sync.Mutex
	reqs []message.GenerationRequest
}

func (g *generationRecorder) PublishGeneration(ctx context.Context, req message.GenerationRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return nil
}

func TestRelay_ReplenishesFromSQLiteOutbox(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	store := sqlite.NewExerciseStore(db)

	// Five pending, one gets answered: four remain, one is requested.
	for i := 0; i < 5; i++ {
		ex := domain.NewExercise(fmt.Sprintf("e%d", i), "u1", domain.AdditionPayload{Addends: []int{1, 2}})
		if err := store.InsertExercise(ctx, ex); err != nil {
			t.Fatalf("InsertExercise() error = %v", err)
		}
	}
	err = store.RecordGrade(ctx, domain.Grade{
		UserID: "u1", ExerciseID: "e0", Kind: domain.KindAddition,
		Answer: domain.ScalarAnswer{Value: 3}, Correct: true, SolvedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordGrade() error = %v", err)
	}

	pub := &generationRecorder{}
	watcher := replenish.NewWatcher(store, pub, replenish.DefaultPolicy())
	r := changefeed.NewRelay(store, changefeed.Config{}, watcher.Handle)

	n, err := r.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 6 {
		t.Errorf("Poll() = %d; want 6 events", n)
	}
	want := message.GenerationRequest{UserID: "u1", Kind: domain.KindAddition, Count: 1}
	if len(pub.reqs) != 1 || pub.reqs[0] != want {
		t.Errorf("published %v; want [%+v]", pub.reqs, want)
	}

	// A fresh relay resumes from the persisted cursor and sees nothing new.
	again := changefeed.NewRelay(store, changefeed.Config{}, watcher.Handle)
	if n, _ := again.Poll(ctx); n != 0 {
		t.Errorf("resumed Poll() = %d; want 0", n)
	}
}
