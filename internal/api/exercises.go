package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/auth"
	"github.com/felixgeelhaar/mathdrill/internal/domain"
)

// maxSubmissionBytes caps a solution body
const maxSubmissionBytes = 64 << 10

// SubmissionResponse acknowledges an accepted solution
type SubmissionResponse struct {
	Message string `json:"message"`
}

// ExerciseResponse is a pending exercise. Payload fields are inlined so a
// client can echo them back with its solution.
type ExerciseResponse struct {
	UserID      string      `json:"uid"`
	ID          string      `json:"eid"`
	Kind        domain.Kind `json:"type"`
	Answered    bool        `json:"answered"`
	Addends     []int       `json:"addends,omitempty"`
	Multipliers []int       `json:"multipliers,omitempty"`
	Power       *int        `json:"power,omitempty"`
	Coeffs      []int       `json:"coeffs,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func newExerciseResponse(ex *domain.Exercise) ExerciseResponse {
	resp := ExerciseResponse{
		UserID:    ex.UserID,
		ID:        ex.ID,
		Kind:      ex.Kind,
		Answered:  ex.Answered,
		CreatedAt: ex.CreatedAt,
	}
	switch p := ex.Payload.(type) {
	case domain.AdditionPayload:
		resp.Addends = p.Addends
	case domain.MultiplicationPayload:
		resp.Multipliers = p.Multipliers
	case domain.DerivativePayload:
		power := p.Power
		resp.Power = &power
		resp.Coeffs = p.Coeffs
	}
	return resp
}

// handleNextExercise returns the oldest unanswered exercise of a kind
func (r *Router) handleNextExercise(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	if userID == "" {
		Unauthorized(w, req, "authentication required")
		return
	}
	kind, err := domain.ParseKind(req.PathValue("kind"))
	if err != nil {
		NotFound(w, req, "exercise kind")
		return
	}

	pending, err := r.app.Exercises.ListUnanswered(req.Context(), userID, kind, 1)
	if err != nil {
		InternalError(w, req, "failed to load exercises", err)
		return
	}
	if len(pending) == 0 {
		NotFound(w, req, "exercise")
		return
	}

	WriteJSON(w, http.StatusOK, newExerciseResponse(pending[0]))
}

// handleSubmitSolution queues a solution for grading. Acceptance only
// means the solution was queued; the verdict shows up on the profile.
func (r *Router) handleSubmitSolution(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	if userID == "" {
		Unauthorized(w, req, "authentication required")
		return
	}
	kind, err := domain.ParseKind(req.PathValue("kind"))
	if err != nil {
		NotFound(w, req, "exercise kind")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxSubmissionBytes))
	if err != nil {
		r.malformed(w, req, err)
		return
	}

	if _, err := r.app.Submitter.Submit(req.Context(), userID, kind, body); err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			Unauthorized(w, req, "authentication required")
		case errors.Is(err, domain.ErrMalformedRequest):
			r.malformed(w, req, err)
		default:
			InternalError(w, req, "failed to submit solution", err)
		}
		return
	}

	WriteJSON(w, http.StatusOK, SubmissionResponse{Message: "Solution has been submitted successfully."})
}

// malformed reports an unusable body as 500 for compatibility with
// existing clients, or as 400 in strict mode.
func (r *Router) malformed(w http.ResponseWriter, req *http.Request, cause error) {
	if r.app.Options.StrictStatus {
		BadRequest(w, req, "malformed submission", cause)
		return
	}
	InternalError(w, req, "malformed submission", cause)
}
