package domain

import "errors"

// -----------------------------------------------------------------------------
// Domain Errors
// These errors represent domain-level failures and are used by stores,
// handlers and the HTTP boundary to classify failures.
// -----------------------------------------------------------------------------

// Exercise errors
var (
	ErrExerciseNotFound = errors.New("exercise not found")
	ErrAlreadyAnswered  = errors.New("exercise already answered")
	ErrInvalidKind      = errors.New("invalid exercise kind")
	ErrInvalidPayload   = errors.New("invalid exercise payload")
	ErrInvalidAnswer    = errors.New("invalid answer")
	ErrKindMismatch     = errors.New("exercise kind mismatch")
)

// Request errors
var (
	// ErrMalformedRequest marks a message or body that can never succeed.
	// Asynchronous paths drop it instead of retrying.
	ErrMalformedRequest = errors.New("malformed request")
	ErrInvalidCount     = errors.New("invalid exercise count")
)

// General errors
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedRequest) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidAnswer) ||
		errors.Is(err, ErrExerciseNotFound) ||
		errors.Is(err, ErrKindMismatch)
}
