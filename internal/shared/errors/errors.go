package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
	ErrValidation = errors.New("validation error")

	// Follow-up core errors
	ErrSourceUnavailable = errors.New("source system unavailable")
	ErrUnknownCall       = errors.New("unknown call")
	ErrUnknownPatient    = errors.New("unknown patient")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrRateLimited       = errors.New("rate limited")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// UnknownCall is returned when a call id does not reference a stored call.
// It also matches ErrNotFound.
func UnknownCall(id string) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrUnknownCall, ErrNotFound),
		Message:    "call not found",
		Code:       "UNKNOWN_CALL_ID",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"call_id": id},
	}
}

// UnknownPatient is returned when a patient id does not reference a mirrored patient.
func UnknownPatient(id string) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrUnknownPatient, ErrNotFound),
		Message:    "patient not found",
		Code:       "UNKNOWN_PATIENT_ID",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"patient_id": id},
	}
}

// InvalidTransition reports a state machine violation. It is never retried.
func InvalidTransition(entity, from, requested string) *AppError {
	return &AppError{
		Err:        ErrInvalidTransition,
		Message:    fmt.Sprintf("cannot apply %s to %s in state %s", requested, entity, from),
		Code:       "INVALID_TRANSITION",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"entity": entity, "from": from, "requested": requested},
	}
}

// SourceUnavailable wraps a failure talking to the hospital source system.
func SourceUnavailable(op string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrSourceUnavailable, err),
		Message:    fmt.Sprintf("source system unavailable during %s", op),
		Code:       "SOURCE_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RateLimited is returned when an operation is refused to protect a
// downstream system.
func RateLimited(op string) *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    fmt.Sprintf("too many requests: %s", op),
		Code:       "RATE_LIMITED",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context. Application errors keep
// their code and status.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether any error in err's chain matches target. It mirrors
// the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As mirrors errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}
