package grading

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/mathdrill/internal/domain"
	"github.com/felixgeelhaar/mathdrill/internal/message"
)

// GradingPublisher routes grading requests to the queue of their kind.
type GradingPublisher interface {
	PublishGrading(ctx context.Context, req message.GradingRequest) error
}

// Submitter accepts authenticated submissions and hands them to the
// grading queue. Grading itself happens asynchronously.
type Submitter struct {
	publisher GradingPublisher
}

// NewSubmitter creates a new submitter
func NewSubmitter(publisher GradingPublisher) *Submitter {
	return &Submitter{publisher: publisher}
}

// Submit validates a submission body for kind and publishes it. It returns
// domain.ErrUnauthorized without a user, an error wrapping
// domain.ErrMalformedRequest for a bad body, and any publish failure as is.
func (s *Submitter) Submit(ctx context.Context, userID string, kind domain.Kind, body []byte) (message.GradingRequest, error) {
	if userID == "" {
		return message.GradingRequest{}, domain.ErrUnauthorized
	}
	if !kind.Valid() {
		return message.GradingRequest{}, fmt.Errorf("%w: %v", domain.ErrMalformedRequest, domain.ErrInvalidKind)
	}

	req, err := message.DecodeSubmission(userID, kind, body)
	if err != nil {
		return message.GradingRequest{}, err
	}
	if err := s.publisher.PublishGrading(ctx, req); err != nil {
		return req, fmt.Errorf("submit %s: %w", req.ExerciseID, err)
	}
	return req, nil
}
