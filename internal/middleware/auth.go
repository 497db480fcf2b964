package middleware

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/InferiaAI/nosana-sidecar/internal/pkg/errors"
	"github.com/InferiaAI/nosana-sidecar/internal/pkg/response"
)

// InternalAuth enforces a dedicated inbound key on the job endpoints. An
// empty key disables the check, which is the default posture: the
// orchestrator adapter calls this surface with no auth headers, so the
// gate only activates when a deployment explicitly configures an inbound
// secret.
func InternalAuth(key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-Internal-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				response.Error(w, &apierrors.APIError{
					Code:       "unauthorized",
					Message:    "Invalid internal API key",
					StatusCode: http.StatusUnauthorized,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
