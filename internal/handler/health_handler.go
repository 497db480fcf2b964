package handler

import (
	"net/http"

	"github.com/InferiaAI/nosana-sidecar/internal/pkg/response"
	"github.com/InferiaAI/nosana-sidecar/internal/provider"
)

// HealthHandler serves the liveness and module-status endpoint.
type HealthHandler struct {
	registry     *provider.Registry
	configSource func() string
}

// NewHealthHandler creates a health handler. configSource reports where the
// current credential set came from.
func NewHealthHandler(registry *provider.Registry, configSource func() string) *HealthHandler {
	return &HealthHandler{registry: registry, configSource: configSource}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	nosanaStatus := "disabled"
	if len(names) > 0 {
		nosanaStatus = "active"
	}

	response.OK(w, map[string]any{
		"status": "ok",
		"modules": map[string]any{
			"nosana":      nosanaStatus,
			"credentials": names,
		},
		"config_source": h.configSource(),
	})
}
