// Package handler provides the HTTP handlers for the sidecar API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
	apierrors "github.com/InferiaAI/nosana-sidecar/internal/pkg/errors"
	"github.com/InferiaAI/nosana-sidecar/internal/pkg/response"
	"github.com/InferiaAI/nosana-sidecar/internal/provider"
)

// JobsHandler serves the deployment lifecycle endpoints.
type JobsHandler struct {
	registry *provider.Registry
	validate *validator.Validate
}

// NewJobsHandler creates a jobs handler over registry.
func NewJobsHandler(registry *provider.Registry) *JobsHandler {
	v := validator.New()
	// Report field errors under their wire names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &JobsHandler{registry: registry, validate: v}
}

// Routes returns a chi router with the job routes.
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/jobs/launch", h.Launch)
	r.Post("/jobs/stop", h.Stop)
	r.Get("/jobs/{id}", h.Get)
	r.Get("/jobs/{id}/logs", h.Logs)
	r.Get("/balance", h.Balance)
	return r
}

// resolve picks the provider client for an optional credential name,
// writing the 503 itself when none is available.
func (h *JobsHandler) resolve(w http.ResponseWriter, name string) (*provider.Client, bool) {
	client, ok := h.registry.Resolve(name)
	if !ok {
		response.NotInitialized(w, name)
		return nil, false
	}
	return client, true
}

// writeProviderError maps provider failures onto the wire: typed errors
// keep their status, remote Network errors surface the upstream body as a
// 500.
func writeProviderError(w http.ResponseWriter, err error) {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		response.Error(w, apiErr)
		return
	}
	var remote *nosana.Error
	if errors.As(err, &remote) {
		response.Error(w, apierrors.NewUpstreamError(remote.Message))
		return
	}
	response.Error(w, err)
}

// LaunchHTTPRequest is the request body for POST /nosana/jobs/launch.
// The orchestrator sends resources under resources_allocated with
// *_allocated field names; the shorter resources shape is kept for older
// callers.
type LaunchHTTPRequest struct {
	JobDefinition      any    `json:"jobDefinition" validate:"required"`
	MarketAddress      string `json:"marketAddress" validate:"required"`
	Market             string `json:"market"`         // legacy alias
	IsConfidential     *bool  `json:"isConfidential"` // absent means confidential
	Confidential       *bool  `json:"confidential"`   // legacy alias
	CredentialName     string `json:"credentialName"`
	ResourcesAllocated struct {
		GPUAllocated   int `json:"gpu_allocated"`
		VCPUAllocated  int `json:"vcpu_allocated"`
		RAMGBAllocated int `json:"ram_gb_allocated"`
	} `json:"resources_allocated"`
	Resources struct {
		GPU   int `json:"gpu"`
		VCPU  int `json:"vcpu"`
		RAMGB int `json:"ram_gb"`
	} `json:"resources"` // legacy alias
}

// resources merges the two accepted shapes, preferring resources_allocated.
func (req *LaunchHTTPRequest) resources() provider.Resources {
	ra := req.ResourcesAllocated
	if ra.GPUAllocated != 0 || ra.VCPUAllocated != 0 || ra.RAMGBAllocated != 0 {
		return provider.Resources{GPU: ra.GPUAllocated, VCPU: ra.VCPUAllocated, RAMGB: ra.RAMGBAllocated}
	}
	return provider.Resources{GPU: req.Resources.GPU, VCPU: req.Resources.VCPU, RAMGB: req.Resources.RAMGB}
}

// confidential resolves the flag; an omitted flag means confidential.
func (req *LaunchHTTPRequest) confidential() bool {
	if req.IsConfidential != nil {
		return *req.IsConfidential
	}
	if req.Confidential != nil {
		return *req.Confidential
	}
	return true
}

// Launch handles POST /nosana/jobs/launch.
func (h *JobsHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var req LaunchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if req.MarketAddress == "" {
		req.MarketAddress = req.Market
	}
	if err := h.validate.Struct(&req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			response.ValidationError(w, fieldErrs[0].Field(), "is required")
			return
		}
		response.BadRequest(w, "Invalid request body")
		return
	}

	client, ok := h.resolve(w, req.CredentialName)
	if !ok {
		return
	}

	result, err := client.Launch(r.Context(), provider.LaunchInput{
		JobDefinition: req.JobDefinition,
		MarketAddress: req.MarketAddress,
		Confidential:  req.confidential(),
		Resources:     req.resources(),
	})
	if err != nil {
		writeProviderError(w, err)
		return
	}
	response.OK(w, result)
}

// StopHTTPRequest is the request body for POST /nosana/jobs/stop. The
// orchestrator sends the job address; deployment ids and the older id/jobId
// names are accepted too.
type StopHTTPRequest struct {
	JobAddress     string `json:"jobAddress"`
	ID             string `json:"id"`    // legacy alias
	JobID          string `json:"jobId"` // legacy alias
	CredentialName string `json:"credentialName"`
}

// target returns the first populated identifier.
func (req *StopHTTPRequest) target() string {
	for _, id := range []string{req.JobAddress, req.ID, req.JobID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Stop handles POST /nosana/jobs/stop.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req StopHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	id := req.target()
	if id == "" {
		response.ValidationError(w, "jobAddress", "is required")
		return
	}

	client, ok := h.resolve(w, req.CredentialName)
	if !ok {
		return
	}
	if err := client.Stop(r.Context(), id); err != nil {
		writeProviderError(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "stopped", "id": id})
}

// Get handles GET /nosana/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolve(w, r.URL.Query().Get("credentialName"))
	if !ok {
		return
	}
	info, err := client.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if nosana.IsRemoteStatus(err, http.StatusNotFound) {
			response.NotFound(w, "Job not found")
			return
		}
		writeProviderError(w, err)
		return
	}
	response.OK(w, info)
}

// Logs handles GET /nosana/jobs/{id}/logs.
func (h *JobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolve(w, r.URL.Query().Get("credentialName"))
	if !ok {
		return
	}
	logs, err := client.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if nosana.IsRemoteStatus(err, http.StatusNotFound) {
			response.NotFound(w, "Job not found")
			return
		}
		writeProviderError(w, err)
		return
	}
	response.OK(w, logs)
}

// Balance handles GET /nosana/balance.
func (h *JobsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolve(w, r.URL.Query().Get("credentialName"))
	if !ok {
		return
	}
	balance, err := client.Balance(r.Context())
	if err != nil {
		writeProviderError(w, err)
		return
	}
	response.OK(w, map[string]any{
		"mode":    client.Mode(),
		"balance": balance,
	})
}
