package provider

import (
	"time"

	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
)

// Resources are the compute allocations reported in heartbeats.
type Resources struct {
	GPU   int `json:"gpu_allocated"`
	VCPU  int `json:"vcpu_allocated"`
	RAMGB int `json:"ram_gb_allocated"`
}

// WatchedDeployment is the sidecar-side record of one deployment under
// watchdog supervision. It is mutated only by the owning client's tasks,
// always under the client lock; readers get copies.
type WatchedDeployment struct {
	DeploymentID   string
	JobAddresses   []string
	StartTime      time.Time
	LastExtendTime time.Time

	// JobDefinition is nil for recovered deployments, which disables
	// re-launch: the definition cannot be reconstructed without durable
	// storage.
	JobDefinition any
	MarketAddress string
	Confidential  bool
	Strategy      nosana.DeploymentStrategy
	Resources     Resources

	UserStopped    bool
	ServiceURL     string
	CredentialName string
}

// InstanceID is the identifier reported to the orchestrator for this
// deployment: the first job address when one is known, else the deployment
// id.
func (d *WatchedDeployment) InstanceID() string {
	if len(d.JobAddresses) > 0 {
		return d.JobAddresses[0]
	}
	return d.DeploymentID
}

// clone returns a copy safe to hand to readers outside the client lock.
func (d *WatchedDeployment) clone() *WatchedDeployment {
	cp := *d
	cp.JobAddresses = append([]string(nil), d.JobAddresses...)
	return &cp
}
