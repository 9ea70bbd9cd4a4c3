package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/api/middleware"
)

// Router wraps the HTTP multiplexer with middleware and handlers
type Router struct {
	mux     *http.ServeMux
	app     *App
	limiter *middleware.RateLimiter
}

// NewRouter creates a new API router with all routes configured. The
// returned close function releases the rate limiter.
func NewRouter(app *App) (http.Handler, func() error) {
	r := &Router{
		mux: http.NewServeMux(),
		app: app,
	}
	if app.Options.SubmissionsPerMinute > 0 {
		r.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: app.Options.SubmissionsPerMinute,
			BurstMultiplier:   1,
		})
	}

	r.registerRoutes()

	closeFn := func() error { return nil }
	if r.limiter != nil {
		closeFn = r.limiter.Close
	}
	return r.buildMiddlewareChain(r.mux), closeFn
}

func (r *Router) registerRoutes() {
	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /ready", r.handleReady)

	r.mux.Handle("GET /api/v1/exercises/{kind}", r.requireAuth(r.handleNextExercise))
	r.mux.Handle("POST /api/v1/exercises/{kind}/solutions", r.requireAuth(r.rateLimited(r.handleSubmitSolution)))
	r.mux.Handle("GET /api/v1/profile", r.requireAuth(r.handleGetProfile))
	r.mux.Handle("POST /api/v1/onboarding", r.requireAuth(r.handleOnboarding))
}

func (r *Router) buildMiddlewareChain(handler http.Handler) http.Handler {
	timeout := r.app.Options.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	// Apply middleware in reverse order (last applied = first executed)
	handler = middleware.Timeout(timeout)(handler)
	handler = middleware.Recovery(handler)
	handler = middleware.Logger(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(r.app.Options.AllowedOrigins)(handler)

	return handler
}

func (r *Router) requireAuth(next http.HandlerFunc) http.Handler {
	return middleware.RequireAuth(r.app.Verifier)(next)
}

func (r *Router) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if r.limiter == nil {
		return next
	}
	return r.limiter.Middleware(next).ServeHTTP
}

// Health check handlers
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "healthy", "broker": "healthy"}
	ready := true

	if err := r.app.Exercises.Ping(ctx); err != nil {
		slog.Error("database health check failed",
			"error", err,
			"request_id", middleware.GetRequestID(req.Context()),
		)
		checks["database"] = "unhealthy"
		ready = false
	}
	if r.app.Broker != nil && !r.app.Broker.IsConnected() {
		checks["broker"] = "unhealthy"
		ready = false
	}

	if !ready {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"checks": checks,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": checks,
	})
}
