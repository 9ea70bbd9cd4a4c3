package daemon

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/mathdrill/internal/config"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/storage/postgres"
	"github.com/felixgeelhaar/mathdrill/internal/storage/sqlite"
)

// Store is everything the daemon needs from persistence. Both backends
// implement it.
type Store interface {
	InsertExercise(ctx context.Context, ex *domain.Exercise) error
	GetExercise(ctx context.Context, userID, id string) (*domain.Exercise, error)
	ListUnanswered(ctx context.Context, userID string, kind domain.Kind, limit int) ([]*domain.Exercise, error)
	ListAnswered(ctx context.Context, userID string, kind domain.Kind) ([]*domain.Exercise, error)
	CountUnanswered(ctx context.Context, userID string, kind domain.Kind) (int, error)
	RecordGrade(ctx context.Context, g domain.Grade) error
	Tallies(ctx context.Context, userID string) ([]domain.Tally, error)
	ChangesAfter(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error)
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
	Ping(ctx context.Context) error
}

var (
	_ Store = (*sqlite.ExerciseStore)(nil)
	_ Store = (*postgres.Store)(nil)
)

// openStore opens and migrates the configured backend. The returned
// function closes it.
func openStore(ctx context.Context, cfg config.StorageConfig) (Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, pool.Close, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return sqlite.NewExerciseStore(db), func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
