package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// ExerciseStore persists exercises and user tallies in SQLite. Every
// exercise mutation also appends to the change feed in the same
// transaction.
type ExerciseStore struct {
	db *DB
}

// NewExerciseStore creates a new SQLite-backed exercise store.
func NewExerciseStore(db *DB) *ExerciseStore {
	return &ExerciseStore{db: db}
}

// InsertExercise stores a new unanswered exercise.
func (s *ExerciseStore) InsertExercise(ctx context.Context, ex *domain.Exercise) error {
	payload, err := domain.MarshalPayload(ex.Payload)
	if err != nil {
		return err
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	return withTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exercises (user_id, id, kind, payload, answered, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			ex.UserID, ex.ID, string(ex.Kind), string(payload), ex.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert exercise: %w", err)
		}
		return appendChange(ctx, tx, domain.ChangeInsert, nil, ex.Image(), ex.CreatedAt)
	})
}

// GetExercise retrieves an exercise by user and id.
func (s *ExerciseStore) GetExercise(ctx context.Context, userID, id string) (*domain.Exercise, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, id, kind, payload, answered, answer, correct, solved_at, created_at
		FROM exercises WHERE user_id = ? AND id = ?`, userID, id)
	return scanExercise(row)
}

// ListUnanswered returns up to limit unanswered exercises of kind for a
// user, oldest first. limit <= 0 returns all of them.
func (s *ExerciseStore) ListUnanswered(ctx context.Context, userID string, kind domain.Kind, limit int) ([]*domain.Exercise, error) {
	return s.list(ctx, userID, kind, false, limit)
}

// ListAnswered returns the answered exercises of kind for a user, oldest first.
func (s *ExerciseStore) ListAnswered(ctx context.Context, userID string, kind domain.Kind) ([]*domain.Exercise, error) {
	return s.list(ctx, userID, kind, true, 0)
}

func (s *ExerciseStore) list(ctx context.Context, userID string, kind domain.Kind, answered bool, limit int) ([]*domain.Exercise, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, id, kind, payload, answered, answer, correct, solved_at, created_at
		FROM exercises
		WHERE user_id = ? AND kind = ? AND answered = ?
		ORDER BY created_at, id
		LIMIT ?`, userID, string(kind), answered, limit)
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
func (s *ExerciseStore) CountUnanswered(ctx context.Context, userID string, kind domain.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM exercises
		WHERE user_id = ? AND kind = ? AND answered = 0`, userID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unanswered: %w", err)
	}
	return n, nil
}

// RecordGrade applies a verdict in one transaction: the exercise update is
// conditioned on answered being false, and the user's tally for the kind
// is created from zero if needed and incremented. If the condition fails
// nothing is written and ErrAlreadyAnswered is returned.
func (s *ExerciseStore) RecordGrade(ctx context.Context, g domain.Grade) error {
	answer, err := domain.MarshalAnswer(g.Answer)
	if err != nil {
		return err
	}
	solvedAt := g.SolvedAt.UTC()

	return withTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE exercises
			SET answered = 1, answer = ?, correct = ?, solved_at = ?
			WHERE user_id = ? AND id = ? AND kind = ? AND answered = 0`,
			string(answer), g.Correct, solvedAt, g.UserID, g.ExerciseID, string(g.Kind),
		)
		if err != nil {
			return fmt.Errorf("update exercise: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return conditionFailure(ctx, tx, g)
		}

		correctInc, incorrectInc := 0, 1
		if g.Correct {
			correctInc, incorrectInc = 1, 0
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_tallies (user_id, kind, correct_count, incorrect_count, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, kind) DO UPDATE SET
				correct_count = correct_count + excluded.correct_count,
				incorrect_count = incorrect_count + excluded.incorrect_count,
				updated_at = excluded.updated_at`,
			g.UserID, string(g.Kind), correctInc, incorrectInc, solvedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert tally: %w", err)
		}

		before := &domain.ExerciseImage{UserID: g.UserID, ExerciseID: g.ExerciseID, Kind: g.Kind}
		after := &domain.ExerciseImage{UserID: g.UserID, ExerciseID: g.ExerciseID, Kind: g.Kind, Answered: true, Correct: g.Correct}
		return appendChange(ctx, tx, domain.ChangeUpdate, before, after, solvedAt)
	})
}

// conditionFailure explains why the conditional update matched no row.
func conditionFailure(ctx context.Context, tx *sql.Tx, g domain.Grade) error {
	var (
		kind     string
		answered bool
	)
	err := tx.QueryRowContext(ctx,
		"SELECT kind, answered FROM exercises WHERE user_id = ? AND id = ?",
		g.UserID, g.ExerciseID,
	).Scan(&kind, &answered)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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
func (s *ExerciseStore) Tally(ctx context.Context, userID string, kind domain.Kind) (domain.Tally, error) {
	t := domain.Tally{UserID: userID, Kind: kind}
	err := s.db.QueryRowContext(ctx, `
		SELECT correct_count, incorrect_count FROM user_tallies
		WHERE user_id = ? AND kind = ?`, userID, string(kind)).Scan(&t.CorrectCount, &t.IncorrectCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("get tally: %w", err)
	}
	return t, nil
}

// Tallies returns every tally recorded for a user.
func (s *ExerciseStore) Tallies(ctx context.Context, userID string) ([]domain.Tally, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, correct_count, incorrect_count FROM user_tallies
		WHERE user_id = ? ORDER BY kind`, userID)
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

// Ping checks database connectivity.
func (s *ExerciseStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExercise(row rowScanner) (*domain.Exercise, error) {
	var (
		ex        domain.Exercise
		kind      string
		payload   string
		answer    sql.NullString
		correct   sql.NullBool
		solvedAt  sql.NullTime
		createdAt time.Time
	)
	err := row.Scan(&ex.UserID, &ex.ID, &kind, &payload, &ex.Answered, &answer, &correct, &solvedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExerciseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan exercise: %w", err)
	}

	ex.Kind = domain.Kind(kind)
	ex.CreatedAt = createdAt
	ex.Payload, err = domain.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", ex.ID, err)
	}

	if ex.Answered {
		ex.Answer, err = domain.DecodeAnswer(ex.Kind, json.RawMessage(answer.String))
		if err != nil {
			return nil, fmt.Errorf("decode answer of %s: %w", ex.ID, err)
		}
		ex.Correct = correct.Bool
		if solvedAt.Valid {
			t := solvedAt.Time
			ex.SolvedAt = &t
		}
	}
	return &ex, nil
}
