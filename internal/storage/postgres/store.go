// Package postgres stores exercises, tallies and the change feed in
// PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// feedLockKey serializes change-feed writers so seq order matches commit order.
const feedLockKey = 0x6d617468

// Store implements the exercise store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewStore creates a new PostgreSQL store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertExercise stores a new unanswered exercise.
func (s *Store) InsertExercise(ctx context.Context, ex *domain.Exercise) error {
	payload, err := domain.MarshalPayload(ex.Payload)
	if err != nil {
		return err
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO exercises (user_id, id, kind, payload, answered, created_at)
			VALUES ($1, $2, $3, $4, FALSE, $5)
		`
		if _, err := tx.Exec(ctx, query, ex.UserID, ex.ID, string(ex.Kind), payload, ex.CreatedAt); err != nil {
			return fmt.Errorf("insert exercise: %w", err)
		}
		return appendChange(ctx, tx, domain.ChangeInsert, nil, ex.Image(), ex.CreatedAt)
	})
}

// GetExercise retrieves an exercise by user and id.
func (s *Store) GetExercise(ctx context.Context, userID, id string) (*domain.Exercise, error) {
	query := `
		SELECT user_id, id, kind, payload, answered, answer, correct, solved_at, created_at
		FROM exercises WHERE user_id = $1 AND id = $2
	`
	return scanExercise(s.pool.QueryRow(ctx, query, userID, id))
}

// ListUnanswered returns up to limit unanswered exercises of kind, oldest
// first. limit <= 0 returns all of them.
func (s *Store) ListUnanswered(ctx context.Context, userID string, kind domain.Kind, limit int) ([]*domain.Exercise, error) {
	return s.list(ctx, userID, kind, false, limit)
}

// ListAnswered returns the answered exercises of kind, oldest first.
func (s *Store) ListAnswered(ctx context.Context, userID string, kind domain.Kind) ([]*domain.Exercise, error) {
	return s.list(ctx, userID, kind, true, 0)
}

func (s *Store) list(ctx context.Context, userID string, kind domain.Kind, answered bool, limit int) ([]*domain.Exercise, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	query := `
		SELECT user_id, id, kind, payload, answered, answer, correct, solved_at, created_at
		FROM exercises
		WHERE user_id = $1 AND kind = $2 AND answered = $3
		ORDER BY created_at, id
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, userID, string(kind), answered, lim)
	if err != nil {
		return nil, fmt.Errorf("list exercises: %w", err)
	}
	defer rows.Close()

	var out []*domain.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// CountUnanswered returns the size of a user's pending pool for kind.
func (s *Store) CountUnanswered(ctx context.Context, userID string, kind domain.Kind) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM exercises WHERE user_id = $1 AND kind = $2 AND NOT answered`
	if err := s.pool.QueryRow(ctx, query, userID, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unanswered: %w", err)
	}
	return n, nil
}

// RecordGrade applies a verdict in one transaction. The row update is
// conditioned on answered being false; a concurrent grader blocks on the
// row lock and then matches nothing.
func (s *Store) RecordGrade(ctx context.Context, g domain.Grade) error {
	answer, err := domain.MarshalAnswer(g.Answer)
	if err != nil {
		return err
	}
	solvedAt := g.SolvedAt.UTC()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE exercises
			SET answered = TRUE, answer = $1, correct = $2, solved_at = $3
			WHERE user_id = $4 AND id = $5 AND kind = $6 AND NOT answered
		`
		tag, err := tx.Exec(ctx, query, answer, g.Correct, solvedAt, g.UserID, g.ExerciseID, string(g.Kind))
		if err != nil {
			return fmt.Errorf("update exercise: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return conditionFailure(ctx, tx, g)
		}

		correctInc, incorrectInc := 0, 1
		if g.Correct {
			correctInc, incorrectInc = 1, 0
		}
		query = `
			INSERT INTO user_tallies (user_id, kind, correct_count, incorrect_count, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, kind) DO UPDATE SET
				correct_count = user_tallies.correct_count + EXCLUDED.correct_count,
				incorrect_count = user_tallies.incorrect_count + EXCLUDED.incorrect_count,
				updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.Exec(ctx, query, g.UserID, string(g.Kind), correctInc, incorrectInc, solvedAt); err != nil {
			return fmt.Errorf("upsert tally: %w", err)
		}

		before := &domain.ExerciseImage{UserID: g.UserID, ExerciseID: g.ExerciseID, Kind: g.Kind}
		after := &domain.ExerciseImage{UserID: g.UserID, ExerciseID: g.ExerciseID, Kind: g.Kind, Answered: true, Correct: g.Correct}
		return appendChange(ctx, tx, domain.ChangeUpdate, before, after, solvedAt)
	})
}

func conditionFailure(ctx context.Context, tx pgx.Tx, g domain.Grade) error {
	var (
		kind     string
		answered bool
	)
	err := tx.QueryRow(ctx,
		`SELECT kind, answered FROM exercises WHERE user_id = $1 AND id = $2`,
		g.UserID, g.ExerciseID,
	).Scan(&kind, &answered)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrExerciseNotFound
	case err != nil:
		return fmt.Errorf("check exercise: %w", err)
	case answered:
		return domain.ErrAlreadyAnswered
	default:
		return fmt.Errorf("%w: stored %s, graded as %s", domain.ErrKindMismatch, kind, g.Kind)
	}
}

// Tally returns the user's tally for kind, zero-valued if none exists.
func (s *Store) Tally(ctx context.Context, userID string, kind domain.Kind) (domain.Tally, error) {
	t := domain.Tally{UserID: userID, Kind: kind}
	query := `SELECT correct_count, incorrect_count FROM user_tallies WHERE user_id = $1 AND kind = $2`
	err := s.pool.QueryRow(ctx, query, userID, string(kind)).Scan(&t.CorrectCount, &t.IncorrectCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("get tally: %w", err)
	}
	return t, nil
}

// Tallies returns every tally recorded for a user.
func (s *Store) Tallies(ctx context.Context, userID string) ([]domain.Tally, error) {
	query := `SELECT kind, correct_count, incorrect_count FROM user_tallies WHERE user_id = $1 ORDER BY kind`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}
	defer rows.Close()

	var out []domain.Tally
	for rows.Next() {
		t := domain.Tally{UserID: userID}
		var kind string
		if err := rows.Scan(&kind, &t.CorrectCount, &t.IncorrectCount); err != nil {
			return nil, fmt.Errorf("scan tally: %w", err)
		}
		t.Kind = domain.Kind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func appendChange(ctx context.Context, tx pgx.Tx, typ domain.ChangeType, before, after *domain.ExerciseImage, at time.Time) error {
	newImage, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("marshal new image: %w", err)
	}
	var oldImage []byte
	if before != nil {
		if oldImage, err = json.Marshal(before); err != nil {
			return fmt.Errorf("marshal old image: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(feedLockKey)); err != nil {
		return fmt.Errorf("lock change feed: %w", err)
	}
	query := `
		INSERT INTO exercise_changes (event_type, user_id, exercise_id, kind, old_image, new_image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query, string(typ), after.UserID, after.ExerciseID, string(after.Kind), oldImage, newImage, at.UTC())
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ChangesAfter returns up to limit change events with seq greater than
// after, in seq order.
func (s *Store) ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, event_type, old_image, new_image, created_at
		FROM exercise_changes
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeEvent
	for rows.Next() {
		var (
			ev       domain.ChangeEvent
			typ      string
			oldImage []byte
			newImage []byte
		)
		if err := rows.Scan(&ev.Seq, &typ, &oldImage, &newImage, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ev.Type = domain.ChangeType(typ)
		ev.Current = &domain.ExerciseImage{}
		if err := json.Unmarshal(newImage, ev.Current); err != nil {
			return nil, fmt.Errorf("decode new image of change %d: %w", ev.Seq, err)
		}
		if oldImage != nil {
			ev.Previous = &domain.ExerciseImage{}
			if err := json.Unmarshal(oldImage, ev.Previous); err != nil {
				return nil, fmt.Errorf("decode old image of change %d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadCursor returns the last seq a named consumer has processed, or 0.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM change_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return seq, nil
}

// SaveCursor records the last seq a named consumer has processed.
func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	query := `
		INSERT INTO change_cursors (name, seq, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, name, seq); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

func scanExercise(row pgx.Row) (*domain.Exercise, error) {
	var (
		ex       domain.Exercise
		kind     string
		payload  []byte
		answer   []byte
		correct  *bool
		solvedAt *time.Time
	)
	err := row.Scan(&ex.UserID, &ex.ID, &kind, &payload, &ex.Answered, &answer, &correct, &solvedAt, &ex.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrExerciseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan exercise: %w", err)
	}

	ex.Kind = domain.Kind(kind)
	if ex.Payload, err = domain.UnmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", ex.ID, err)
	}
	if ex.Answered {
		if ex.Answer, err = domain.DecodeAnswer(ex.Kind, answer); err != nil {
			return nil, fmt.Errorf("decode answer of %s: %w", ex.ID, err)
		}
		if correct != nil {
			ex.Correct = *correct
		}
		ex.SolvedAt = solvedAt
	}
	return &ex, nil
}
