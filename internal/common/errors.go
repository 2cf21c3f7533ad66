package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors. Message is safe to show to
// callers; Cause carries the taxonomy sentinel and any internal detail.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors. Every error surfaced by the pipeline wraps exactly one
// of the taxonomy sentinels below.
var (
	ErrNotFound               = errors.New("resource not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrInternal               = errors.New("internal error")
	ErrDatabase               = errors.New("database error")
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStamping               = errors.New("stamping failed")
	ErrStorage                = errors.New("storage unavailable")
	ErrSuperseded             = errors.New("superseded")
	ErrTimeout                = errors.New("timed out")
)

// Taxonomy codes as seen by callers.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeConflict               = "CONFLICT"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeStamping               = "STAMPING_ERROR"
	CodeStorage                = "STORAGE_ERROR"
	CodeSuperseded             = "SUPERSEDED"
	CodeTimeout                = "TIMEOUT"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeInternal               = "INTERNAL"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func Validationf(format string, args ...any) error {
	return NewAppError(CodeValidation, fmt.Sprintf(format, args...), ErrValidation)
}

func NotFoundf(format string, args ...any) error {
	return NewAppError(CodeNotFound, fmt.Sprintf(format, args...), ErrNotFound)
}

func Conflictf(format string, args ...any) error {
	return NewAppError(CodeConflict, fmt.Sprintf(format, args...), ErrConflict)
}

func ConcurrentModificationf(format string, args ...any) error {
	return NewAppError(CodeConcurrentModification, fmt.Sprintf(format, args...), ErrConcurrentModification)
}

func Forbiddenf(format string, args ...any) error {
	return NewAppError(CodeForbidden, fmt.Sprintf(format, args...), ErrForbidden)
}

// StorageError marks a transient Document Store failure.
func StorageError(op string, err error) error {
	return NewAppError(CodeStorage, op+" failed", errors.Join(ErrStorage, err))
}

// Superseded marks a job cancelled by a registry change.
func Superseded(jobID string) error {
	return NewAppError(CodeSuperseded, "job "+jobID+" was superseded by a registry change", ErrSuperseded)
}

// StampingError is scoped to one document that could not be parsed or stamped.
type StampingError struct {
	DocumentID string
	Reason     string
	Cause      error
}

func (e *StampingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stamping %s: %s: %v", e.DocumentID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("stamping %s: %s", e.DocumentID, e.Reason)
}

func (e *StampingError) Unwrap() error { return e.Cause }

func (e *StampingError) Is(target error) bool { return target == ErrStamping }

// KindOf returns the taxonomy code for err, or CodeInternal when err carries none.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrStamping):
		return CodeStamping
	case errors.Is(err, ErrStorage):
		return CodeStorage
	case errors.Is(err, ErrSuperseded):
		return CodeSuperseded
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// PublicMessage returns the human-readable part of err without internal detail.
func PublicMessage(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Message
	}
	var stamp *StampingError
	if errors.As(err, &stamp) {
		return fmt.Sprintf("document %s could not be stamped: %s", stamp.DocumentID, stamp.Reason)
	}
	return "internal error"
}
