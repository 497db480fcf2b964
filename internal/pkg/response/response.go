// Package response provides JSON response helpers for API handlers.
//
// Error responses use the flat `{"error": "..."}` shape that the
// orchestrator's provider adapters parse; the machine-readable error code
// travels in the X-Error-Code header instead of the body.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/InferiaAI/nosana-sidecar/internal/pkg/errors"
)

// errorBody is the wire shape for all error responses.
type errorBody struct {
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't do much else at this point
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error response.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", apiErr.Code)
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(errorBody{Error: apiErr.Message})
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrBadRequest.WithMessage(message))
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrNotFound.WithMessage(message))
}

// ValidationError writes a 400 validation error response.
func ValidationError(w http.ResponseWriter, field, message string) {
	Error(w, apierrors.NewValidationError(field, message))
}

// NotInitialized writes a 503 response for an unresolvable credential.
func NotInitialized(w http.ResponseWriter, credential string) {
	if credential == "" {
		Error(w, apierrors.ErrNotInitialized)
		return
	}
	Error(w, apierrors.NewNotInitializedError(credential))
}
