package api

import (
	"net/http"

	"github.com/felixgeelhaar/mathdrill/internal/auth"
)

// handleGetProfile returns per-kind counts, ratio and grade
func (r *Router) handleGetProfile(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	if userID == "" {
		Unauthorized(w, req, "authentication required")
		return
	}

	summary, err := r.app.Profiles.Summary(req.Context(), userID)
	if err != nil {
		InternalError(w, req, "failed to load profile", err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// handleOnboarding requests the initial exercises for the caller
func (r *Router) handleOnboarding(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	if userID == "" {
		Unauthorized(w, req, "authentication required")
		return
	}

	if err := r.app.Seeder.Seed(req.Context(), userID); err != nil {
		InternalError(w, req, "failed to seed exercises", err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "seeding"})
}
