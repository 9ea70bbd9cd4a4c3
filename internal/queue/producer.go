package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// Publisher sends a raw message body to an exchange. Connection
// implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	// PublishTimeout bounds a single publish including retries.
	PublishTimeout time.Duration

	// MaxAttempts per publish (default: 3)
	MaxAttempts int

	// InitialDelay before the first retry (default: 100ms)
	InitialDelay time.Duration

	// FailureThreshold is the number of consecutive failures that open
	// the circuit (default: 5)
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open (default: 30s)
	OpenTimeout time.Duration
}

// DefaultProducerConfig returns sensible defaults
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		PublishTimeout:   5 * time.Second,
		MaxAttempts:      3,
		InitialDelay:     100 * time.Millisecond,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Producer publishes generation requests, grading requests and warm-ups.
// Publishes are retried with backoff behind a circuit breaker.
type Producer struct {
	publisher      Publisher
	topology       Topology
	timeout        time.Duration
	circuitBreaker circuitbreaker.CircuitBreaker[struct{}]
	retrier        retry.Retry[struct{}]
}

// NewProducer creates a new queue producer
func NewProducer(publisher Publisher, topology Topology, cfg ProducerConfig) *Producer {
	def := DefaultProducerConfig()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	threshold := cfg.FailureThreshold
	return &Producer{
		publisher: publisher,
		topology:  topology,
		timeout:   cfg.PublishTimeout,
		circuitBreaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= threshold
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("publish circuit breaker state change",
					"from", from.String(),
					"to", to.String())
			},
		}),
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      2 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
	}
}

// PublishGeneration asks the generator for more exercises.
func (p *Producer) PublishGeneration(ctx context.Context, req message.GenerationRequest) error {
	body, err := message.EncodeGeneration(req)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, StageGenerate, req.Kind, body); err != nil {
		return fmt.Errorf("failed to publish generation request: %w", err)
	}

	slog.Info("published generation request",
		"user_id", req.UserID,
		"kind", req.Kind,
		"count", req.Count,
	)
	return nil
}

// PublishGrading routes a submitted answer to the grading queue of its kind.
func (p *Producer) PublishGrading(ctx context.Context, req message.GradingRequest) error {
	body, err := message.EncodeGrading(req)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, StageGrade, req.Kind, body); err != nil {
		return fmt.Errorf("failed to publish grading request: %w", err)
	}

	slog.Info("published grading request",
		"user_id", req.UserID,
		"exercise_id", req.ExerciseID,
		"kind", req.Kind,
	)
	return nil
}

// PublishWarmup sends a warm-up to the grading queue of kind.
func (p *Producer) PublishWarmup(ctx context.Context, kind domain.Kind) error {
	body, err := message.EncodeGrading(message.Warmup(kind))
	if err != nil {
		return err
	}
	if err := p.publish(ctx, StageGrade, kind, body); err != nil {
		return fmt.Errorf("failed to publish warmup: %w", err)
	}
	slog.Debug("published warmup", "kind", kind)
	return nil
}

func (p *Producer) publish(ctx context.Context, stage Stage, kind domain.Kind, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	exchange := p.topology.Exchange(stage)
	_, err := p.circuitBreaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return p.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.publisher.Publish(ctx, exchange, kind.String(), body)
		})
	})
	return err
}
