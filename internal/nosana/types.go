package nosana

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeploymentStatus is the Network-side lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentDraft             DeploymentStatus = "DRAFT"
	DeploymentStarting          DeploymentStatus = "STARTING"
	DeploymentRunning           DeploymentStatus = "RUNNING"
	DeploymentStopping          DeploymentStatus = "STOPPING"
	DeploymentStopped           DeploymentStatus = "STOPPED"
	DeploymentError             DeploymentStatus = "ERROR"
	DeploymentInsufficientFunds DeploymentStatus = "INSUFFICIENT_FUNDS"
	DeploymentArchived          DeploymentStatus = "ARCHIVED"
)

// Terminal reports whether the status is one the deployment never leaves.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStopped, DeploymentError, DeploymentArchived, DeploymentInsufficientFunds:
		return true
	}
	return false
}

// DeploymentStrategy selects the Network-side job rotation behavior.
type DeploymentStrategy string

const (
	StrategySimple       DeploymentStrategy = "SIMPLE"
	StrategySimpleExtend DeploymentStrategy = "SIMPLE-EXTEND"
	StrategyScheduled    DeploymentStrategy = "SCHEDULED"
	StrategyInfinite     DeploymentStrategy = "INFINITE"
)

// JobState reflects the state of one job on a compute node. The API reports
// it either as a string or a legacy numeric code.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobStopped   JobState = "STOPPED"
	JobCancelled JobState = "CANCELLED"
)

var jobStateByCode = map[int]JobState{
	0: JobQueued,
	1: JobRunning,
	2: JobCompleted,
	3: JobStopped,
	4: JobCancelled,
}

// Terminal reports whether the job state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobStopped, JobCancelled:
		return true
	}
	return false
}

// UnmarshalJSON accepts both "RUNNING" and the numeric code 1.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = JobState(str)
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		state, ok := jobStateByCode[code]
		if !ok {
			return fmt.Errorf("unknown job state code %d", code)
		}
		*s = state
		return nil
	}
	return fmt.Errorf("job state must be a string or number: %s", string(data))
}

// Endpoint is a service URL exposed by a running deployment.
type Endpoint struct {
	URL      string `json:"url"`
	Port     int    `json:"port,omitempty"`
	OpID     string `json:"opId,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// Deployment is one Network deployment snapshot.
type Deployment struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Market       string             `json:"market"`
	Status       DeploymentStatus   `json:"status"`
	Strategy     DeploymentStrategy `json:"strategy"`
	Replicas     int                `json:"replicas"`
	Timeout      int                `json:"timeout"` // minutes
	Confidential bool               `json:"confidential,omitempty"`
	Endpoints    []Endpoint         `json:"endpoints,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at,omitempty"`
}

// ServiceURL returns the first exposed endpoint URL, or "".
func (d *Deployment) ServiceURL() string {
	if len(d.Endpoints) == 0 {
		return ""
	}
	return d.Endpoints[0].URL
}

// Job is one job entry of a deployment listing.
type Job struct {
	Address string   `json:"job"`
	State   JobState `json:"state,omitempty"`
	Node    string   `json:"node,omitempty"`
}

// JobDetail is a single-job snapshot.
type JobDetail struct {
	State      JobState `json:"state"`
	Node       string   `json:"node,omitempty"`
	Market     string   `json:"market,omitempty"`
	IPFSJob    string   `json:"ipfsJob,omitempty"`
	IPFSResult string   `json:"ipfsResult,omitempty"`
	TimeStart  int64    `json:"timeStart,omitempty"`
	TimeEnd    int64    `json:"timeEnd,omitempty"`
}

// CreateDeploymentRequest is the body of a deployment create call.
type CreateDeploymentRequest struct {
	Name          string             `json:"name"`
	Market        string             `json:"market"`
	JobDefinition any                `json:"job_definition"`
	Replicas      int                `json:"replicas"`
	Timeout       int                `json:"timeout"` // minutes
	Strategy      DeploymentStrategy `json:"strategy"`
	Confidential  bool               `json:"confidential"`
}

// CreditsBalance is the delegated-mode account balance.
type CreditsBalance struct {
	AssignedCredits float64 `json:"assignedCredits"`
	ReservedCredits float64 `json:"reservedCredits"`
	SettledCredits  float64 `json:"settledCredits"`
}

// WalletBalance is the local-mode on-chain balance.
type WalletBalance struct {
	Sol float64 `json:"sol"`
	Nos float64 `json:"nos"`
}

// SignedMessage is the response of the delegated signing endpoint.
type SignedMessage struct {
	Message     string `json:"message"`
	Signature   string `json:"signature"`
	UserAddress string `json:"userAddress"`
}

// Market is one compute market in the catalog.
type Market struct {
	Slug             string   `json:"slug"`
	Address          string   `json:"address"`
	GPUTypes         []string `json:"gpu_types,omitempty"`
	USDRewardPerHour float64  `json:"usd_reward_per_hour,omitempty"`
	LowestVRAM       int      `json:"lowest_vram,omitempty"`
}
