package orchestrator

// Node states reported through heartbeats.
const (
	StateProvisioning = "provisioning"
	StateReady        = "ready"
	StateFailed       = "failed"
	StateTerminated   = "terminated"
)

// Heartbeat is the inventory event posted to the orchestrator for one
// provider instance. Field names follow the orchestrator's inventory API.
type Heartbeat struct {
	Provider              string `json:"provider"`
	ProviderInstanceID    string `json:"provider_instance_id"`
	DeploymentID          string `json:"deployment_id,omitempty"`
	GPUAllocated          int    `json:"gpu_allocated"`
	VCPUAllocated         int    `json:"vcpu_allocated"`
	RAMGBAllocated        int    `json:"ram_gb_allocated"`
	HealthScore           int    `json:"health_score"`
	State                 string `json:"state"`
	ExposeURL             string `json:"expose_url,omitempty"`
	OldProviderInstanceID string `json:"old_provider_instance_id,omitempty"`
	EventID               string `json:"event_id,omitempty"`
}

// AuditEntry is one internal audit record.
type AuditEntry struct {
	ID           string         `json:"id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
}

// NamedCredential is one provider credential entry in the orchestrator's
// configuration response.
type NamedCredential struct {
	Name       string `json:"name"`
	PrivateKey string `json:"private_key,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Active     bool   `json:"active"`
}

// LegacyCredential is the single unnamed credential older orchestrator
// deployments expose. It maps onto the "default" name.
type LegacyCredential struct {
	PrivateKey string `json:"private_key,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// CredentialsSnapshot is the authoritative credential set.
type CredentialsSnapshot struct {
	ConfigSource string            `json:"config_source,omitempty"`
	Nosana       *LegacyCredential `json:"nosana,omitempty"`
	Credentials  []NamedCredential `json:"credentials,omitempty"`
}
