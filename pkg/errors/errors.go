// Package errors defines the error taxonomy shared across the search
// subscription engine: sentinel errors for each failure class plus an
// AppError wrapper carrying a client-facing message and HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidQuery         = errors.New("invalid query")
	ErrCapacityExceeded     = errors.New("subscription capacity exceeded")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAccessDenied         = errors.New("access denied")
	ErrInvalidCursor        = errors.New("invalid cursor")
	ErrInfraUnavailable     = errors.New("infrastructure unavailable")
	ErrInternal             = errors.New("internal error")
	ErrTimeout              = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Code returns the wire-level error code sent to clients in error payloads.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrInvalidCursor):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, ErrSubscriptionNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAccessDenied):
		return "ACCESS_DENIED"
	case errors.Is(err, ErrInfraUnavailable), errors.Is(err, ErrTimeout):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrInfraUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
