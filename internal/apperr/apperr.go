// README: Error taxonomy shared by modules; maps errors to machine codes and HTTP statuses.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Kinds. Module sentinels wrap exactly one of these with %w.
var (
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("timeout")
	ErrNoProviders = errors.New("no providers available")
	ErrForbidden   = errors.New("forbidden")
)

const (
	CodeValidation  = "validation_error"
	CodeConflict    = "conflict"
	CodeNotFound    = "not_found"
	CodeTimeout     = "timeout"
	CodeNoProviders = "no_providers_available"
	CodeForbidden   = "forbidden"
	CodeInternal    = "internal"
)

// Code returns the machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNoProviders):
		return CodeNoProviders
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Status returns the HTTP status for err.
func Status(err error) int {
	switch Code(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound, CodeNoProviders:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether the error message is safe to return to callers.
func Public(err error) bool {
	return Code(err) != CodeInternal
}
