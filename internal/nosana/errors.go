package nosana

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents a remote failure reported by the Network API.
type Error struct {
	// StatusCode is the HTTP status code.
	StatusCode int `json:"-"`
	// Code is the error code when the body carried one.
	Code string `json:"code,omitempty"`
	// Message is the upstream error message or raw body.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("nosana: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("nosana: status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true for a 429 response.
func (e *Error) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound returns true for a 404 response.
func (e *Error) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// TransportError wraps a connection-level failure (dial, reset, timeout)
// where no HTTP response was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("nosana: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a Network 429.
func IsRateLimited(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.IsRateLimited()
}

// IsTransport reports whether err is a connection-level failure.
func IsTransport(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// IsRemoteStatus reports whether err is a remote error with one of the
// given status codes.
func IsRemoteStatus(err error, statuses ...int) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, s := range statuses {
		if apiErr.StatusCode == s {
			return true
		}
	}
	return false
}

// parseError parses an error response body from the API.
func parseError(statusCode int, body []byte) error {
	var structured struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &structured); err == nil {
		switch {
		case structured.Message != "":
			return &Error{StatusCode: statusCode, Code: structured.Code, Message: structured.Message}
		case structured.Error != "":
			return &Error{StatusCode: statusCode, Message: structured.Error}
		}
	}
	return &Error{StatusCode: statusCode, Message: string(body)}
}
