package profile

import (
	"context"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// Reader defines the read model the profile is computed from.
// Both storage backends implement it.
type Reader interface {
	// Tallies returns the running counts per kind for a user
	Tallies(ctx context.Context, userID string) ([]domain.Tally, error)

	// ListAnswered returns graded exercises of a kind, oldest first
	ListAnswered(ctx context.Context, userID string, kind domain.Kind) ([]*domain.Exercise, error)
}
