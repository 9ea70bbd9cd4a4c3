package grading_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/exercise"
	"github.com/felixgeelhaar/mathdrill/internal/generator"
	"github.com/felixgeelhaar/mathdrill/internal/grading"
	"github.com/felixgeelhaar/mathdrill/internal/message"
	"github.com/felixgeelhaar/mathdrill/internal/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.ExerciseStore {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "grading.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return sqlite.NewExerciseStore(db)
}

func seed(t *testing.T, store *sqlite.ExerciseStore, userID, id string, p domain.Payload) {
	t.Helper()
	if err := store.InsertExercise(context.Background(), domain.NewExercise(id, userID, p)); err != nil {
		t.Fatalf("InsertExercise() error = %v", err)
	}
}

func additionRequest(userID, id string, answer int64) message.GradingRequest {
	return message.GradingRequest{
		UserID:     userID,
		ExerciseID: id,
		Kind:       domain.KindAddition,
		Payload:    domain.AdditionPayload{Addends: []int{2, 3, 4}},
		Answer:     domain.ScalarAnswer{Value: answer},
	}
}

func TestGrade_Outcomes(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	seed(t, store, "u1", "e2", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	c := grading.NewCoordinator(store, exercise.NewRegistry(), time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		req       message.GradingRequest
		want      grading.Outcome
		wantErr   error
		permanent bool
	}{
		{name: "warmup", req: message.Warmup(domain.KindAddition), want: grading.OutcomeWarmup},
		{name: "correct", req: additionRequest("u1", "e1", 9), want: grading.OutcomeCommitted},
		{name: "redelivery", req: additionRequest("u1", "e1", 9), want: grading.OutcomeDuplicate},
		{name: "incorrect", req: additionRequest("u1", "e2", 8), want: grading.OutcomeCommitted},
		{
			name:    "missing exercise",
			req:     additionRequest("u1", "nope", 9),
			want:    grading.OutcomeRejected,
			wantErr: domain.ErrExerciseNotFound,
		},
		{
			name:    "missing uid",
			req:     additionRequest("", "e1", 9),
			want:    grading.OutcomeRejected,
			wantErr: domain.ErrMalformedRequest,
		},
		{
			name: "kind mismatch",
			req: message.GradingRequest{
				UserID: "u1", ExerciseID: "e1", Kind: domain.KindMultiplication,
				Payload: domain.MultiplicationPayload{Multipliers: []int{2, 3}},
				Answer:  domain.ScalarAnswer{Value: 6},
			},
			want:    grading.OutcomeRejected,
			wantErr: domain.ErrKindMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Grade(ctx, tt.req)
			if got != tt.want {
				t.Errorf("Grade() outcome = %v; want %v", got, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Grade() error = %v", err)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Grade() error = %v; want %v", err, tt.wantErr)
				}
				if !domain.IsPermanent(err) {
					t.Errorf("rejection %v should be permanent", err)
				}
			}
		})
	}

	tally, _ := store.Tally(ctx, "u1", domain.KindAddition)
	if tally.CorrectCount != 1 || tally.IncorrectCount != 1 {
		t.Errorf("Tally = %+v; want 1/1", tally)
	}
}

func TestGrade_StoredPayloadIsAuthoritative(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	c := grading.NewCoordinator(store, exercise.NewRegistry(), 0)
	ctx := context.Background()

	// The client claims different addends that would make 3 correct.
	req := additionRequest("u1", "e1", 3)
	req.Payload = domain.AdditionPayload{Addends: []int{1, 2}}

	outcome, err := c.Grade(ctx, req)
	if err != nil || outcome != grading.OutcomeCommitted {
		t.Fatalf("Grade() = %v, %v", outcome, err)
	}
	ex, _ := store.GetExercise(ctx, "u1", "e1")
	if ex.Correct {
		t.Error("verdict should use the stored addends")
	}
}

func TestGrade_DerivativeUsesPositionalRule(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "d1", domain.DerivativePayload{Power: 2, Coeffs: []int{3, 2, 7}})
	c := grading.NewCoordinator(store, exercise.NewRegistry(), 0)
	ctx := context.Background()

	outcome, err := c.Grade(ctx, message.GradingRequest{
		UserID: "u1", ExerciseID: "d1", Kind: domain.KindDerivative,
		Answer: domain.PolynomialAnswer{Power: 1, Coeffs: []int{6, 2}},
	})
	if err != nil || outcome != grading.OutcomeCommitted {
		t.Fatalf("Grade() = %v, %v", outcome, err)
	}
	ex, _ := store.GetExercise(ctx, "u1", "d1")
	if !ex.Correct {
		t.Error("derivative 6x + 2 should be correct")
	}
}

func TestGrade_RejectsOutOfShapePayload(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	c := grading.NewCoordinator(store, exercise.NewRegistry(), 0)

	req := additionRequest("u1", "e1", 9)
	req.Payload = domain.AdditionPayload{Addends: []int{500}}
	outcome, err := c.Grade(context.Background(), req)
	if outcome != grading.OutcomeRejected || !errors.Is(err, domain.ErrMalformedRequest) {
		t.Fatalf("Grade() = %v, %v; want rejected as malformed", outcome, err)
	}
	if ex, _ := store.GetExercise(context.Background(), "u1", "e1"); ex.Answered {
		t.Error("rejected request must not answer the exercise")
	}
}

// corruptStore returns exercises whose stored payload cannot be decoded.
type corruptStore struct {
	grading.Store
}

func (corruptStore) GetExercise(ctx context.Context, userID, id string) (*domain.Exercise, error) {
	return nil, fmt.Errorf("decode payload of %s: %w", id, domain.ErrInvalidPayload)
}

func TestGrade_UndecodableStoredPayloadIsRejected(t *testing.T) {
	c := grading.NewCoordinator(corruptStore{}, exercise.NewRegistry(), 0)

	outcome, err := c.Grade(context.Background(), additionRequest("u1", "e1", 9))
	if outcome != grading.OutcomeRejected {
		t.Errorf("Grade() outcome = %v; want rejected", outcome)
	}
	if !domain.IsPermanent(err) {
		t.Errorf("Grade() error = %v; want permanent", err)
	}
}

// flakyStore fails RecordGrade until healed.
type flakyStore struct {
	grading.Store
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) RecordGrade(ctx context.Context, g domain.Grade) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errors.New("database is locked")
	}
	return f.Store.RecordGrade(ctx, g)
}

func TestGrade_TransientFailureIsRetryable(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	flaky := &flakyStore{Store: store, broken: true}
	c := grading.NewCoordinator(flaky, exercise.NewRegistry(), 0)
	ctx := context.Background()

	outcome, err := c.Grade(ctx, additionRequest("u1", "e1", 9))
	if outcome != grading.OutcomeFailed || err == nil {
		t.Fatalf("Grade() = %v, %v; want failed with error", outcome, err)
	}
	if domain.IsPermanent(err) {
		t.Errorf("transient error %v classified as permanent", err)
	}

	// Redelivery after recovery commits exactly once.
	flaky.broken = false
	if outcome, err := c.Grade(ctx, additionRequest("u1", "e1", 9)); outcome != grading.OutcomeCommitted || err != nil {
		t.Fatalf("retry Grade() = %v, %v", outcome, err)
	}
	tally, _ := store.Tally(ctx, "u1", domain.KindAddition)
	if tally.CorrectCount != 1 {
		t.Errorf("CorrectCount = %d; want 1", tally.CorrectCount)
	}
}

func TestGrade_ConcurrentDuplicates(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	c := grading.NewCoordinator(store, exercise.NewRegistry(), 5*time.Second)
	ctx := context.Background()

	const deliveries = 6
	outcomes := make([]grading.Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.Grade(ctx, additionRequest("u1", "e1", 9))
			if err != nil {
				t.Errorf("Grade() error = %v", err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, o := range outcomes {
		if o == grading.OutcomeCommitted {
			committed++
		}
	}
	if committed != 1 {
		t.Errorf("committed %d times; want 1 (outcomes %v)", committed, outcomes)
	}
	tally, _ := store.Tally(ctx, "u1", domain.KindAddition)
	if tally.Answered() != 1 {
		t.Errorf("Tally = %+v; want one graded", tally)
	}
}

type noWarmups struct{}

func (noWarmups) PublishWarmup(ctx context.Context, kind domain.Kind) error { return nil }

func TestEndToEnd_GenerateSubmitRedeliver(t *testing.T) {
	store := openStore(t)
	registry := exercise.NewSeededRegistry(1, 2)
	gen := generator.NewService(store, noWarmups{}, registry, generator.Config{})
	coord := grading.NewCoordinator(store, registry, time.Second)
	handle := coord.Handler(domain.KindAddition)
	ctx := context.Background()

	if _, err := gen.Generate(ctx, message.GenerationRequest{UserID: "U", Kind: domain.KindAddition, Count: 1}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	pending, err := store.ListUnanswered(ctx, "U", domain.KindAddition, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListUnanswered() = %v, %v", pending, err)
	}
	ex := pending[0]

	var sum int64
	for _, v := range ex.Payload.(domain.AdditionPayload).Addends {
		sum += int64(v)
	}
	body, err := message.EncodeGrading(message.GradingRequest{
		UserID: "U", ExerciseID: ex.ID, Kind: domain.KindAddition,
		Payload: ex.Payload, Answer: domain.ScalarAnswer{Value: sum},
	})
	if err != nil {
		t.Fatalf("EncodeGrading() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := handle(ctx, body); err != nil {
			t.Fatalf("delivery %d error = %v", i+1, err)
		}
		tally, _ := store.Tally(ctx, "U", domain.KindAddition)
		if tally.CorrectCount != 1 || tally.IncorrectCount != 0 {
			t.Fatalf("after delivery %d Tally = %+v; want 1/0", i+1, tally)
		}
	}

	got, _ := store.GetExercise(ctx, "U", ex.ID)
	if !got.Answered || !got.Correct {
		t.Errorf("exercise = %+v; want answered and correct", got)
	}
}

func TestHandler_Classification(t *testing.T) {
	store := openStore(t)
	seed(t, store, "u1", "e1", domain.AdditionPayload{Addends: []int{2, 3, 4}})
	handle := grading.NewCoordinator(store, exercise.NewRegistry(), 0).Handler(domain.KindAddition)
	ctx := context.Background()

	tests := []struct {
		name          string
		body          string
		wantPermanent bool
	}{
		{name: "warmup", body: `{"type":"warmup"}`},
		{name: "valid", body: `{"uid":"u1","eid":"e1","type":"addition","addends":[2,3,4],"solution":9}`},
		{name: "duplicate", body: `{"uid":"u1","eid":"e1","type":"addition","addends":[2,3,4],"solution":9}`},
		{name: "missing addends", body: `{"uid":"u1","eid":"e1","type":"addition","solution":9}`, wantPermanent: true},
		{name: "wrong route", body: `{"uid":"u1","eid":"e1","type":"multiplication","multipliers":[2],"solution":2}`, wantPermanent: true},
		{name: "unknown exercise", body: `{"uid":"u1","eid":"zz","type":"addition","addends":[1,1],"solution":2}`, wantPermanent: true},
		{name: "garbage", body: `[`, wantPermanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handle(ctx, []byte(tt.body))
			if tt.wantPermanent {
				if err == nil || !domain.IsPermanent(err) {
					t.Errorf("handler error = %v; want permanent", err)
				}
				return
			}
			if err != nil {
				t.Errorf("handler error = %v", err)
			}
		})
	}
}
