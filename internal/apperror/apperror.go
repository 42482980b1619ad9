// Package apperror defines the error kinds shared by every layer of the service.
//
// Each kind is a sentinel error. Constructors return an *AppError that wraps the
// sentinel, so callers test the kind with errors.Is and read the human-readable
// message (and optional field/details) with errors.As. Handlers are the only
// place that turns a kind into an HTTP status.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUploadFailed       = errors.New("upload failed")
)

type AppError struct {
	Err     error             // sentinel kind
	Message string            // Human-readable error message
	Field   string            // Optional: field causing the error
	Details map[string]string // Optional: structured context (e.g. current/attempted status)
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized means the caller is not authenticated at all (missing, bad or
// expired credentials, or a token for a user that no longer exists).
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// InvalidTransition reports a status change the lifecycle table does not allow.
// The current and attempted statuses travel in Details so clients can show them.
func InvalidTransition(current, attempted string) *AppError {
	return &AppError{
		Err:     ErrInvalidTransition,
		Message: fmt.Sprintf("cannot move report from %s to %s", current, attempted),
		Details: map[string]string{
			"current":   current,
			"attempted": attempted,
		},
	}
}

// StorageUnavailable wraps a transient persistence failure (timeout, lost
// connection, locked database). The cause is kept for logs but never shown to
// clients.
func StorageUnavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrStorageUnavailable, cause),
		Message: fmt.Sprintf("storage unavailable while %s", op),
	}
}

// UploadFailed wraps an object store failure during the image upload step.
func UploadFailed(cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrUploadFailed, cause),
		Message: "image upload failed",
	}
}
