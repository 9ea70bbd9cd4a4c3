package api

import (
	"context"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/api/middleware"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
	"github.com/felixgeelhaar/mathdrill/internal/profile"
)

// ExerciseReader serves pending exercises and readiness checks.
type ExerciseReader interface {
	ListUnanswered(ctx context.Context, userID string, kind domain.Kind, limit int) ([]*domain.Exercise, error)
	Ping(ctx context.Context) error
}

// Submitter hands a solution to the grading pipeline.
type Submitter interface {
	Submit(ctx context.Context, userID string, kind domain.Kind, body []byte) (message.GradingRequest, error)
}

// ProfileService builds profile summaries.
type ProfileService interface {
	Summary(ctx context.Context, userID string) (*profile.Summary, error)
}

// Seeder fills a new user's exercise pools.
type Seeder interface {
	Seed(ctx context.Context, userID string) error
}

// Broker reports message fabric connectivity.
type Broker interface {
	IsConnected() bool
}

// Options holds HTTP behavior switches
type Options struct {
	// StrictStatus answers malformed submissions with 400 instead of 500
	StrictStatus bool

	AllowedOrigins []string

	// SubmissionsPerMinute is the per-user limit on solution posts; zero
	// disables it
	SubmissionsPerMinute int

	// RequestTimeout bounds handler execution (default: 15s)
	RequestTimeout time.Duration
}

// App holds all application dependencies
type App struct {
	Exercises ExerciseReader
	Submitter Submitter
	Profiles  ProfileService
	Seeder    Seeder
	Broker    Broker
	Verifier  middleware.TokenVerifier
	Options   Options
}
