package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authHandler(key string) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return InternalAuth(key)(ok)
}

func TestInternalAuthDisabledByDefault(t *testing.T) {
	h := authHandler("")

	// The orchestrator adapter sends no auth headers; an unconfigured
	// inbound key must let those calls through.
	req := httptest.NewRequest(http.MethodPost, "/jobs/launch", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInternalAuthEnforcesConfiguredKey(t *testing.T) {
	h := authHandler("inbound-secret")

	req := httptest.NewRequest(http.MethodPost, "/jobs/launch", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/launch", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/launch", nil)
	req.Header.Set("X-Internal-API-Key", "inbound-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
