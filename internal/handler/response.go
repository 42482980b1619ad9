package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON and writeError so the API has one
// success shape and one error shape:
//
//	{"error": "not_found", "message": "report not found with id 42"}
//
// The frontend can parse any failure the same way, whether it's a 400 or a 503.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/sakif/civic-reports/internal/apperror"
)

// retryAfterSeconds is sent with 503 responses for transient storage failures.
const retryAfterSeconds = "5"

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string            `json:"error"`             // Machine-readable error kind (e.g., "not_found")
	Message string            `json:"message"`           // Human-readable description
	Field   string            `json:"field,omitempty"`   // Input field at fault, for validation errors
	Details map[string]string `json:"details,omitempty"` // e.g. current/attempted status
}

// writeJSON sends a JSON response with the given status code.
// Headers and status must be set before the body is written; once Encode
// starts writing, header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorKind maps a domain error to its HTTP status and wire name.
//
// errors.Is walks the whole chain, so a service error like
// fmt.Errorf("creating report: %w", apperror.StorageUnavailable(...)) still
// matches ErrStorageUnavailable.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrUploadFailed):
		return http.StatusBadGateway, "upload_failed"
	case errors.Is(err, apperror.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError translates a service error into an HTTP response.
//
// The service layer knows nothing about status codes; this is the only
// place kinds become HTTP. Server-side failures are also sent to Sentry
// (a no-op when SENTRY_DSN is unset).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorKind(err)

	if status >= http.StatusInternalServerError {
		captureError(r, err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	var appErr *apperror.AppError
	if kind == "internal_error" || !errors.As(err, &appErr) {
		// NEVER expose raw internal errors: they can contain SQL or file paths.
		writeJSON(w, status, ErrorResponse{
			Error:   kind,
			Message: "An internal error occurred",
		})
		return
	}

	writeJSON(w, status, ErrorResponse{
		Error:   kind,
		Message: appErr.Message,
		Field:   appErr.Field,
		Details: appErr.Details,
	})
}

func captureError(r *http.Request, err error) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

// decodeJSON reads a JSON request body into dst and reports malformed input
// as a validation error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", "request body must be valid JSON")
	}
	return nil
}
