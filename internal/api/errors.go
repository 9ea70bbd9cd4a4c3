package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/mathdrill/internal/api/middleware"
)

// APIError represents a structured API error
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// NewAPIError creates a new API error
func NewAPIError(code string, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// ErrorResponse is the JSON structure for error responses
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// WriteError writes an error response to the response writer
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *APIError) {
	logAttrs := []any{
		"code", apiErr.Code,
		"message", apiErr.Message,
		"status", statusCode,
		"method", r.Method,
		"path", r.URL.Path,
	}

	if apiErr.cause != nil {
		logAttrs = append(logAttrs, "cause", apiErr.cause.Error())
	}

	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		logAttrs = append(logAttrs, "request_id", requestID)
	}

	// Log at appropriate level based on status code
	if statusCode >= 500 {
		slog.Error("api error", logAttrs...)
	} else if statusCode >= 400 {
		slog.Warn("api error", logAttrs...)
	}

	WriteJSON(w, statusCode, ErrorResponse{Error: apiErr})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// Helper functions for common responses
func BadRequest(w http.ResponseWriter, r *http.Request, message string, cause error) {
	WriteError(w, r, http.StatusBadRequest, NewAPIError("BAD_REQUEST", message).WithCause(cause))
}

func NotFound(w http.ResponseWriter, r *http.Request, resource string) {
	WriteError(w, r, http.StatusNotFound, NewAPIError("NOT_FOUND", resource+" not found"))
}

func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusUnauthorized, NewAPIError("UNAUTHORIZED", message))
}

func InternalError(w http.ResponseWriter, r *http.Request, message string, cause error) {
	WriteError(w, r, http.StatusInternalServerError, NewAPIError("INTERNAL_ERROR", message).WithCause(cause))
}
