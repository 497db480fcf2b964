// Package provider owns the per-credential Network clients: deployment
// lifecycle, the watchdog loops that keep deployments alive, and the
// registry the reconciler converges.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InferiaAI/nosana-sidecar/internal/auth"
	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
	"github.com/InferiaAI/nosana-sidecar/internal/orchestrator"
	"github.com/InferiaAI/nosana-sidecar/internal/pkg/dyn"
	apierrors "github.com/InferiaAI/nosana-sidecar/internal/pkg/errors"
)

// nodeAuthMessage is the fixed challenge compute nodes expect signed in the
// Authorization header.
const nodeAuthMessage = "Hello Nosana Node!"

// Gateway is the slice of the Network client the provider uses. Tests swap
// in fakes.
type Gateway interface {
	CreateDeployment(ctx context.Context, req nosana.CreateDeploymentRequest) (*nosana.Deployment, error)
	StartDeployment(ctx context.Context, id string) (nosana.DeploymentStatus, error)
	GetDeployment(ctx context.Context, id string) (*nosana.Deployment, error)
	StopDeployment(ctx context.Context, id string) (nosana.DeploymentStatus, error)
	UpdateDeploymentTimeout(ctx context.Context, id string, minutes int) (int, error)
	ListDeployments(ctx context.Context, statuses ...nosana.DeploymentStatus) ([]nosana.Deployment, error)
	ListDeploymentJobs(ctx context.Context, id string, state nosana.JobState) ([]nosana.Job, error)
	FirstRunningJob(ctx context.Context, id string) (string, error)
	GetJob(ctx context.Context, address string) (*nosana.JobDetail, error)
	StopJob(ctx context.Context, address string) error
	ExtendJob(ctx context.Context, address string, seconds int) error
	GetCreditsBalance(ctx context.Context) (*nosana.CreditsBalance, error)
	WalletBalance(ctx context.Context, address string) (*nosana.WalletBalance, error)
	ResolveMarket(ctx context.Context, slugOrAddress string) string
	PinArtifact(ctx context.Context, jobDefinition any) (string, error)
	FetchResult(ctx context.Context, contentHash string) (any, error)
}

// Emitter delivers heartbeats and audit records to the orchestrator.
type Emitter interface {
	SendHeartbeat(ctx context.Context, hb orchestrator.Heartbeat) error
	Audit(ctx context.Context, action, resourceID string, details map[string]any, status string)
}

// Timing collects the watchdog and launch cadences. Production uses
// DefaultTiming; tests compress the intervals.
type Timing struct {
	PollInterval          time.Duration
	HeartbeatInterval     time.Duration
	JobTimeout            time.Duration
	ExtendThreshold       time.Duration
	ExtendDurationSecs    int
	MinRuntimeForRedeploy time.Duration
	StartPollInterval     time.Duration
	StartTimeout          time.Duration
	HandoffPollInterval   time.Duration
	HandoffTimeout        time.Duration
	HandoffRetryDelay     time.Duration
}

// DefaultTiming returns the production cadences.
func DefaultTiming() Timing {
	return Timing{
		PollInterval:          60 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		JobTimeout:            30 * time.Minute,
		ExtendThreshold:       5 * time.Minute,
		ExtendDurationSecs:    1800,
		MinRuntimeForRedeploy: 20 * time.Minute,
		StartPollInterval:     10 * time.Second,
		StartTimeout:          5 * time.Minute,
		HandoffPollInterval:   3 * time.Second,
		HandoffTimeout:        10 * time.Minute,
		HandoffRetryDelay:     5 * time.Second,
	}
}

// Deps are the collaborators a client needs.
type Deps struct {
	Gateway       Gateway
	Signer        auth.Signer
	Emitter       Emitter
	Logger        *slog.Logger
	IngressDomain string
	Timing        Timing
	// NodeHTTPClient posts confidential job definitions to compute nodes.
	NodeHTTPClient *http.Client
}

// Client owns one credential's Network gateway, signer and the watchdogs of
// every deployment it launched or recovered. WatchedDeployments are mutated
// only under mu by this client's own tasks.
type Client struct {
	cred    Credential
	mode    Mode
	gw      Gateway
	signer  auth.Signer
	emitter Emitter
	logger  *slog.Logger
	ingress string
	timing  Timing
	nodeHC  *http.Client
	tasks   *TaskRegistry

	mu      sync.Mutex
	watched map[string]*WatchedDeployment
}

// New builds a provider client for one credential.
func New(cred Credential, deps Deps) *Client {
	if deps.Timing == (Timing{}) {
		deps.Timing = DefaultTiming()
	}
	if deps.NodeHTTPClient == nil {
		deps.NodeHTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := deps.Logger.With(slog.String("credential", cred.Name))
	return &Client{
		cred:    cred,
		mode:    cred.Mode(),
		gw:      deps.Gateway,
		signer:  deps.Signer,
		emitter: deps.Emitter,
		logger:  logger,
		ingress: deps.IngressDomain,
		timing:  deps.Timing,
		nodeHC:  deps.NodeHTTPClient,
		tasks:   NewTaskRegistry(logger),
	}
}

// Credential returns the credential this client was built from.
func (c *Client) Credential() Credential { return c.cred }

// Mode returns the client's authentication mode.
func (c *Client) Mode() Mode { return c.mode }

// Signer returns the node-auth signer.
func (c *Client) Signer() auth.Signer { return c.signer }

// IngressDomain returns the compute-node ingress DNS suffix.
func (c *Client) IngressDomain() string { return c.ingress }

// Tasks exposes the background-task registry for diagnostics.
func (c *Client) Tasks() *TaskRegistry { return c.tasks }

// LaunchInput describes one deployment launch.
type LaunchInput struct {
	JobDefinition any
	MarketAddress string
	Confidential  bool
	Resources     Resources
}

// LaunchResult is the outcome of a successful launch.
type LaunchResult struct {
	DeploymentID string `json:"deploymentId"`
	JobAddress   string `json:"jobAddress,omitempty"`
	ServiceURL   string `json:"serviceUrl,omitempty"`
	Status       string `json:"status"`
}

// Launch creates, starts and supervises one deployment.
//
// The deployment is created with the SIMPLE-EXTEND strategy and a
// 60-minute timeout, started, and polled to RUNNING within the start
// horizon. A terminal status during the wait fails the launch; running out
// the horizon does not — the watchdog discovers the job address later. On
// success a watchdog is spawned and, for confidential deployments, a
// background task hands the real job definition to the compute node.
func (c *Client) Launch(ctx context.Context, in LaunchInput) (*LaunchResult, error) {
	if in.JobDefinition == nil {
		return nil, apierrors.NewValidationError("jobDefinition", "is required")
	}
	if in.MarketAddress == "" {
		return nil, apierrors.NewValidationError("marketAddress", "is required")
	}

	market := c.gw.ResolveMarket(ctx, in.MarketAddress)

	if c.mode == ModeLocal {
		// Local mode publishes the definition to content-addressed storage
		// before the listing is posted.
		if _, err := c.gw.PinArtifact(ctx, in.JobDefinition); err != nil {
			return nil, apierrors.NewLaunchFailedError(err.Error())
		}
	}

	dep, err := c.gw.CreateDeployment(ctx, nosana.CreateDeploymentRequest{
		Name:          "inferia-" + uuid.NewString()[:8],
		Market:        market,
		JobDefinition: in.JobDefinition,
		Replicas:      1,
		Timeout:       60,
		Strategy:      nosana.StrategySimpleExtend,
		Confidential:  in.Confidential,
	})
	if err != nil {
		return nil, apierrors.NewLaunchFailedError(err.Error())
	}

	if _, err := c.gw.StartDeployment(ctx, dep.ID); err != nil {
		return nil, apierrors.NewLaunchFailedError(err.Error())
	}

	serviceURL, jobAddress, err := c.waitForRunning(ctx, dep.ID)
	if err != nil {
		return nil, err
	}

	watched := &WatchedDeployment{
		DeploymentID:   dep.ID,
		StartTime:      time.Now(),
		LastExtendTime: time.Now(),
		JobDefinition:  in.JobDefinition,
		MarketAddress:  market,
		Confidential:   in.Confidential,
		Strategy:       nosana.StrategySimpleExtend,
		Resources:      in.Resources,
		ServiceURL:     serviceURL,
		CredentialName: c.cred.Name,
	}
	if jobAddress != "" {
		watched.JobAddresses = []string{jobAddress}
	}
	c.watch(watched)

	if in.Confidential && jobAddress != "" {
		def := in.JobDefinition
		c.tasks.Go("confidential-handoff", func() {
			c.handoffJobDefinition(dep.ID, jobAddress, def)
		})
	}

	c.emitter.Audit(ctx, "DEPLOYMENT_LAUNCHED", dep.ID, map[string]any{
		"deploymentId":  dep.ID,
		"jobAddress":    jobAddress,
		"marketAddress": market,
		"confidential":  in.Confidential,
		"serviceUrl":    serviceURL,
	}, "success")

	return &LaunchResult{
		DeploymentID: dep.ID,
		JobAddress:   jobAddress,
		ServiceURL:   serviceURL,
		Status:       "success",
	}, nil
}

// waitForRunning polls the deployment until RUNNING or the start horizon
// elapses. Terminal states fail the launch; horizon expiry returns
// best-effort empty values.
func (c *Client) waitForRunning(ctx context.Context, id string) (serviceURL, jobAddress string, err error) {
	deadline := time.Now().Add(c.timing.StartTimeout)
	for {
		dep, getErr := c.gw.GetDeployment(ctx, id)
		if getErr != nil {
			c.logger.Warn("start poll failed", slog.String("deployment", id), slog.String("error", getErr.Error()))
		} else {
			switch dep.Status {
			case nosana.DeploymentRunning:
				serviceURL = dep.ServiceURL()
				jobAddress, _ = c.gw.FirstRunningJob(ctx, id)
				return serviceURL, jobAddress, nil
			case nosana.DeploymentError, nosana.DeploymentStopped, nosana.DeploymentInsufficientFunds:
				return "", "", apierrors.NewLaunchFailedError(
					fmt.Sprintf("deployment %s entered %s while starting", id, dep.Status))
			}
		}
		if time.Now().After(deadline) {
			c.logger.Warn("deployment did not reach RUNNING within start horizon; watchdog takes over",
				slog.String("deployment", id))
			return "", "", nil
		}
		select {
		case <-ctx.Done():
			return "", "", apierrors.NewLaunchFailedError(ctx.Err().Error())
		case <-time.After(c.timing.StartPollInterval):
		}
	}
}

// handoffJobDefinition delivers the real job definition of a confidential
// deployment directly to the compute node once its job is running.
func (c *Client) handoffJobDefinition(deploymentID, jobAddress string, def any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timing.HandoffTimeout)
	defer cancel()

	var node string
	for node == "" {
		job, err := c.gw.GetJob(ctx, jobAddress)
		if err == nil {
			if job.State.Terminal() {
				c.logger.Warn("job terminated before confidential handoff",
					slog.String("job", jobAddress), slog.String("state", string(job.State)))
				return
			}
			if job.State == nosana.JobRunning && job.Node != "" {
				node = job.Node
				break
			}
		}
		select {
		case <-ctx.Done():
			c.logger.Warn("confidential handoff timed out waiting for job",
				slog.String("job", jobAddress))
			return
		case <-time.After(c.timing.HandoffPollInterval):
		}
	}

	nodeURL := fmt.Sprintf("https://%s.%s/job/%s/job-definition", node, c.ingress, jobAddress)

	status, err := c.postDefinition(ctx, nodeURL, def)
	if err == nil && status >= 400 && status < 500 {
		// A stale cached signature is the usual cause; refresh once.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.timing.HandoffRetryDelay):
		}
		c.signer.Invalidate(nodeAuthMessage)
		status, err = c.postDefinition(ctx, nodeURL, def)
	}
	if err != nil || status >= 400 {
		c.logger.Error("confidential handoff failed",
			slog.String("job", jobAddress),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		return
	}

	c.logger.Info("confidential job definition delivered", slog.String("job", jobAddress))

	if url := exposedServiceURL(def, jobAddress, c.ingress); url != "" {
		c.mu.Lock()
		if d, ok := c.watched[deploymentID]; ok && d.ServiceURL == "" {
			d.ServiceURL = url
		}
		c.mu.Unlock()
	}
}

func (c *Client) postDefinition(ctx context.Context, nodeURL string, def any) (int, error) {
	token, err := c.signer.Token(ctx, nodeAuthMessage)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.nodeHC.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// exposedServiceURL derives the public service URL for a definition that
// exposes a port. Exposed services are reachable under the job's own
// ingress hostname.
func exposedServiceURL(def any, jobAddress, ingress string) string {
	ops, ok := dyn.Slice(def, "ops")
	if !ok {
		return ""
	}
	for i := range ops {
		if _, ok := dyn.Get(def, "ops", i, "args", "expose"); ok {
			return fmt.Sprintf("https://%s.%s", jobAddress, ingress)
		}
	}
	return ""
}

// Stop marks the deployment user-stopped, then stops it on the Network.
// The mark lands before the remote call so a watchdog observing the
// resulting terminal state never re-launches. id may be a deployment id or
// a bare job address.
func (c *Client) Stop(ctx context.Context, id string) error {
	c.MarkUserStopped(id)

	depID := c.resolveDeploymentID(id)
	if _, err := c.gw.StopDeployment(ctx, depID); err != nil {
		// ids handed to us by older orchestrator flows are bare job
		// addresses with no deployment behind them.
		if nosana.IsRemoteStatus(err, http.StatusNotFound) {
			return c.gw.StopJob(ctx, id)
		}
		return err
	}
	return nil
}

// MarkUserStopped flags the watched deployment matching id (deployment id
// or job address) so its watchdog skips re-launch on termination.
func (c *Client) MarkUserStopped(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.watched[id]; ok {
		d.UserStopped = true
		return true
	}
	for _, d := range c.watched {
		for _, addr := range d.JobAddresses {
			if addr == id {
				d.UserStopped = true
				return true
			}
		}
	}
	return false
}

// resolveDeploymentID maps a job address onto its watched deployment id,
// or returns id unchanged.
func (c *Client) resolveDeploymentID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[id]; ok {
		return id
	}
	for _, d := range c.watched {
		for _, addr := range d.JobAddresses {
			if addr == id {
				return d.DeploymentID
			}
		}
	}
	return id
}

// JobInfo is the job/deployment snapshot served by the GET endpoint.
type JobInfo struct {
	DeploymentID string                  `json:"deploymentId,omitempty"`
	JobAddress   string                  `json:"jobAddress,omitempty"`
	JobState     nosana.JobState         `json:"jobState,omitempty"`
	NodeAddress  string                  `json:"nodeAddress,omitempty"`
	ServiceURL   string                  `json:"serviceUrl,omitempty"`
	Status       nosana.DeploymentStatus `json:"status,omitempty"`
	Endpoints    []nosana.Endpoint       `json:"endpoints,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// Get returns a snapshot for a deployment id or job address.
func (c *Client) Get(ctx context.Context, id string) (*JobInfo, error) {
	depID := c.resolveDeploymentID(id)

	if dep, err := c.gw.GetDeployment(ctx, depID); err == nil {
		info := &JobInfo{
			DeploymentID: dep.ID,
			Status:       dep.Status,
			ServiceURL:   dep.ServiceURL(),
			Endpoints:    dep.Endpoints,
			ErrorMessage: dep.ErrorMessage,
		}
		if addr, err := c.gw.FirstRunningJob(ctx, depID); err == nil && addr != "" {
			info.JobAddress = addr
			if job, err := c.gw.GetJob(ctx, addr); err == nil {
				info.JobState = job.State
				info.NodeAddress = job.Node
			}
		}
		return info, nil
	}

	// Not a deployment id; treat it as a bare job address.
	job, err := c.gw.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobInfo{
		JobAddress:  id,
		JobState:    job.State,
		NodeAddress: job.Node,
	}, nil
}

// LogsResult is the historical-log fetch outcome.
type LogsResult struct {
	Status string `json:"status"` // "completed" or "pending"
	Result any    `json:"result,omitempty"`
}

// Logs fetches the result archive of a terminated job, or reports pending
// for a live one.
func (c *Client) Logs(ctx context.Context, jobAddress string) (*LogsResult, error) {
	job, err := c.gw.GetJob(ctx, jobAddress)
	if err != nil {
		return nil, err
	}
	if !job.State.Terminal() {
		return &LogsResult{Status: "pending"}, nil
	}
	if job.IPFSResult == "" {
		return &LogsResult{Status: "completed"}, nil
	}
	result, err := c.gw.FetchResult(ctx, job.IPFSResult)
	if err != nil {
		return nil, err
	}
	return &LogsResult{Status: "completed", Result: result}, nil
}

// Balance returns the credential's balance: credits in delegated mode, SOL
// and NOS in local mode.
func (c *Client) Balance(ctx context.Context) (any, error) {
	if c.mode == ModeDelegated {
		return c.gw.GetCreditsBalance(ctx)
	}
	return c.gw.WalletBalance(ctx, c.signer.Address())
}

// JobState returns the state snapshot of one job; used by the log bridge.
func (c *Client) JobState(ctx context.Context, jobAddress string) (*nosana.JobDetail, error) {
	return c.gw.GetJob(ctx, jobAddress)
}

// Recover queries the Network for deployments this credential still owns
// and puts each unwatched RUNNING or STARTING one back under supervision.
// Recovered deployments carry no job definition, which disables re-launch.
func (c *Client) Recover(ctx context.Context) error {
	deps, err := c.gw.ListDeployments(ctx, nosana.DeploymentRunning, nosana.DeploymentStarting)
	if err != nil {
		return err
	}
	for i := range deps {
		dep := &deps[i]
		c.mu.Lock()
		_, already := c.watched[dep.ID]
		c.mu.Unlock()
		if already {
			continue
		}

		watched := &WatchedDeployment{
			DeploymentID:   dep.ID,
			StartTime:      time.Now(),
			LastExtendTime: time.Now(),
			MarketAddress:  dep.Market,
			Confidential:   dep.Confidential,
			Strategy:       dep.Strategy,
			ServiceURL:     dep.ServiceURL(),
			CredentialName: c.cred.Name,
		}
		if addr, err := c.gw.FirstRunningJob(ctx, dep.ID); err == nil && addr != "" {
			watched.JobAddresses = []string{addr}
		}
		c.watch(watched)
		c.logger.Info("recovered deployment under supervision",
			slog.String("deployment", dep.ID),
			slog.String("status", string(dep.Status)),
		)
	}
	return nil
}

// WatchedSnapshot returns copies of the watched deployments.
func (c *Client) WatchedSnapshot() []*WatchedDeployment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*WatchedDeployment, 0, len(c.watched))
	for _, d := range c.watched {
		out = append(out, d.clone())
	}
	return out
}

// RetireWatched marks every watched deployment user-stopped and returns
// their ids. Called by the reconciler before removing this client: the
// remote deployments keep running, only auto-redeploy is disabled.
func (c *Client) RetireWatched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.watched))
	for id, d := range c.watched {
		d.UserStopped = true
		ids = append(ids, id)
	}
	return ids
}
