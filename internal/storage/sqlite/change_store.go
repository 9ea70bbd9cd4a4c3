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

// appendChange writes one change-feed row inside the caller's transaction.
func appendChange(ctx context.Context, tx *sql.Tx, typ domain.ChangeType, before, after *domain.ExerciseImage, at time.Time) error {
	newImage, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("marshal new image: %w", err)
	}
	var oldImage sql.NullString
	if before != nil {
		data, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("marshal old image: %w", err)
		}
		oldImage = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exercise_changes (event_type, user_id, exercise_id, kind, old_image, new_image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(typ), after.UserID, after.ExerciseID, string(after.Kind), oldImage, string(newImage), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ChangesAfter returns up to limit change events with seq greater than
// after, in seq order.
func (s *ExerciseStore) ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_type, old_image, new_image, created_at
		FROM exercise_changes
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeEvent
	for rows.Next() {
		var (
			ev       domain.ChangeEvent
			typ      string
			oldImage sql.NullString
			newImage string
		)
		if err := rows.Scan(&ev.Seq, &typ, &oldImage, &newImage, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ev.Type = domain.ChangeType(typ)
		if err := decodeImages(&ev, oldImage, newImage); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func decodeImages(ev *domain.ChangeEvent, oldImage sql.NullString, newImage string) error {
	ev.Current = &domain.ExerciseImage{}
	if err := json.Unmarshal([]byte(newImage), ev.Current); err != nil {
		return fmt.Errorf("decode new image of change %d: %w", ev.Seq, err)
	}
	if oldImage.Valid {
		ev.Previous = &domain.ExerciseImage{}
		if err := json.Unmarshal([]byte(oldImage.String), ev.Previous); err != nil {
			return fmt.Errorf("decode old image of change %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// LoadCursor returns the last seq a named consumer has processed, or 0.
func (s *ExerciseStore) LoadCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM change_cursors WHERE name = ?", name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return seq, nil
}

// SaveCursor records the last seq a named consumer has processed.
func (s *ExerciseStore) SaveCursor(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		name, seq, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
