// Package errors provides standardized API error types for the sidecar surface.
package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
	}
}

// Standard error definitions
var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrNotInitialized is returned when no provider client exists for the
	// requested credential.
	ErrNotInitialized = &APIError{
		Code:       "not_initialized",
		Message:    "Nosana service not initialized",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrAuthUnavailable is returned when the signing backend cannot be reached.
	ErrAuthUnavailable = &APIError{
		Code:       "auth_unavailable",
		Message:    "Signing service unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrInsufficientFunds is returned when the Network rejects an operation
	// for lack of credits.
	ErrInsufficientFunds = &APIError{
		Code:       "insufficient_funds",
		Message:    "Insufficient credits for this operation",
		StatusCode: http.StatusPaymentRequired,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s: %s", field, message),
		StatusCode: http.StatusBadRequest,
	}
}

// NewNotInitializedError creates a not-initialized error for a credential name.
func NewNotInitializedError(credential string) *APIError {
	return &APIError{
		Code:       "not_initialized",
		Message:    fmt.Sprintf("Nosana service for credential %q not initialized", credential),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewLaunchFailedError creates an error for a failed deployment launch.
func NewLaunchFailedError(detail string) *APIError {
	return &APIError{
		Code:       "launch_failed",
		Message:    fmt.Sprintf("Deployment launch failed: %s", detail),
		StatusCode: http.StatusBadGateway,
	}
}

// NewUpstreamError wraps a remote Network failure, surfacing the upstream body.
func NewUpstreamError(body string) *APIError {
	return &APIError{
		Code:       "upstream_error",
		Message:    body,
		StatusCode: http.StatusInternalServerError,
	}
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal wrapping the message otherwise.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal.WithMessage(err.Error())
}
