package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/felixgeelhaar/mathdrill/internal/auth"
)

// RateLimitConfig configures the rate limiting middleware
type RateLimitConfig struct {
	// RequestsPerMinute per client
	RequestsPerMinute int
	// Burst size multiplier (burst = rate * multiplier)
	BurstMultiplier int
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstMultiplier:   1,
	}
}

// RateLimiter limits requests per client. Authenticated requests are keyed
// by user id, anonymous ones by client IP.
type RateLimiter struct {
	limiter ratelimit.RateLimiter
}

// NewRateLimiter creates a token bucket limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimitConfig().RequestsPerMinute
	}
	if cfg.BurstMultiplier <= 0 {
		cfg.BurstMultiplier = 1
	}
	return &RateLimiter{
		limiter: ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RequestsPerMinute,
			Burst:    cfg.RequestsPerMinute * cfg.BurstMultiplier,
			Interval: time.Minute,
		}),
	}
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)

		if !rl.limiter.Allow(r.Context(), key) {
			slog.Warn("rate limit exceeded",
				"client", key,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
			)

			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close releases the limiter
func (rl *RateLimiter) Close() error {
	return rl.limiter.Close()
}

func clientKey(r *http.Request) string {
	if userID := auth.UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	return r.RemoteAddr
}
