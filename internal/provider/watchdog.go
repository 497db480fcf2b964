package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/InferiaAI/nosana-sidecar/internal/nosana"
	"github.com/InferiaAI/nosana-sidecar/internal/orchestrator"
)

// watch registers the deployment and spawns its watchdog loop.
func (c *Client) watch(d *WatchedDeployment) {
	c.mu.Lock()
	if c.watched == nil {
		c.watched = make(map[string]*WatchedDeployment)
	}
	c.watched[d.DeploymentID] = d
	c.mu.Unlock()

	activeWatchdogs.Inc()
	c.tasks.Go("watchdog", func() {
		c.runWatchdog(d.DeploymentID)
	})
}

// runWatchdog supervises one deployment until it goes terminal: poll the
// Network each cycle, mirror state to the orchestrator, extend the job
// lease before it expires, and apply the termination policy at the end.
func (c *Client) runWatchdog(deploymentID string) {
	defer activeWatchdogs.Dec()

	logger := c.logger.With(slog.String("deployment", deploymentID))
	logger.Info("watchdog started")
	c.emitter.Audit(context.Background(), "WATCHDOG_STARTED", deploymentID, nil, "success")

	var lastStatus nosana.DeploymentStatus
	lastHeartbeat := time.Time{}

	for {
		terminal := c.watchdogIterate(deploymentID, &lastStatus, &lastHeartbeat, logger)
		if terminal {
			c.applyTermination(deploymentID, lastStatus, logger)
			return
		}
		time.Sleep(c.timing.PollInterval)
	}
}

// watchdogIterate runs one supervision cycle. It returns true once the
// deployment is terminal (or gone), which ends the loop. Transient errors
// are logged and the cycle is retried; only a definite terminal status or
// a remote 404 stops supervision.
func (c *Client) watchdogIterate(deploymentID string, lastStatus *nosana.DeploymentStatus, lastHeartbeat *time.Time, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dep, err := c.gw.GetDeployment(ctx, deploymentID)
	if err != nil {
		if nosana.IsRemoteStatus(err, http.StatusNotFound) {
			logger.Warn("deployment gone from Network; treating as stopped")
			*lastStatus = nosana.DeploymentStopped
			return true
		}
		logger.Warn("watchdog poll failed", slog.String("error", err.Error()))
		return false
	}

	if dep.Status != *lastStatus {
		c.emitter.Audit(ctx, "DEPLOYMENT_STATUS_CHANGED", deploymentID, map[string]any{
			"from": string(*lastStatus),
			"to":   string(dep.Status),
		}, "success")
		*lastStatus = dep.Status
	}

	c.mu.Lock()
	d, ok := c.watched[deploymentID]
	if !ok {
		c.mu.Unlock()
		return true
	}
	if url := dep.ServiceURL(); url != "" {
		d.ServiceURL = url
	}
	c.mu.Unlock()

	if dep.Status.Terminal() {
		return true
	}

	// Jobs rotate under SIMPLE-EXTEND; replace rather than merge so the
	// heartbeat instance id tracks the live job.
	if jobs, err := c.gw.ListDeploymentJobs(ctx, deploymentID, nosana.JobRunning); err == nil && len(jobs) > 0 {
		addrs := make([]string, 0, len(jobs))
		for _, j := range jobs {
			addrs = append(addrs, j.Address)
		}
		c.mu.Lock()
		if d, ok := c.watched[deploymentID]; ok {
			d.JobAddresses = addrs
		}
		c.mu.Unlock()
	}

	if dep.Status == nosana.DeploymentRunning && time.Since(*lastHeartbeat) >= c.timing.HeartbeatInterval {
		c.mu.Lock()
		snap := d.clone()
		c.mu.Unlock()
		c.sendHeartbeat(ctx, snap, orchestrator.StateReady, 100, "")
		*lastHeartbeat = time.Now()
	}

	c.maybeExtend(ctx, deploymentID, dep.Timeout, logger)
	return false
}

// maybeExtend extends the deployment lease when the time remaining until
// JobTimeout drops inside the extend threshold. An already-expired lease is
// left alone; the Network is about to rotate or stop the job and the
// termination policy handles what follows.
func (c *Client) maybeExtend(ctx context.Context, deploymentID string, timeoutMinutes int, logger *slog.Logger) {
	c.mu.Lock()
	d, ok := c.watched[deploymentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	remaining := c.timing.JobTimeout - time.Since(d.LastExtendTime)
	jobAddr := ""
	if len(d.JobAddresses) > 0 {
		jobAddr = d.JobAddresses[0]
	}
	c.mu.Unlock()

	if remaining <= 0 || remaining > c.timing.ExtendThreshold {
		return
	}

	newTimeout := timeoutMinutes + c.timing.ExtendDurationSecs/60
	if newTimeout < 60 {
		newTimeout = 60
	}
	_, err := c.gw.UpdateDeploymentTimeout(ctx, deploymentID, newTimeout)
	if err != nil && jobAddr != "" &&
		nosana.IsRemoteStatus(err, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented) {
		// Older API surfaces only the per-job extension.
		err = c.gw.ExtendJob(ctx, jobAddr, c.timing.ExtendDurationSecs)
	}
	if err != nil {
		extendsTotal.WithLabelValues("failure").Inc()
		logger.Error("auto-extend failed", slog.String("error", err.Error()))
		c.emitter.Audit(ctx, "JOB_AUTO_EXTEND_FAILED", deploymentID, map[string]any{
			"error": err.Error(),
		}, "failure")
		return
	}

	c.mu.Lock()
	if d, ok := c.watched[deploymentID]; ok {
		d.LastExtendTime = time.Now()
	}
	c.mu.Unlock()

	extendsTotal.WithLabelValues("success").Inc()
	logger.Info("deployment lease extended", slog.Int("timeout_minutes", newTimeout))
	c.emitter.Audit(ctx, "JOB_AUTO_EXTENDED", deploymentID, map[string]any{
		"extensionSeconds": c.timing.ExtendDurationSecs,
	}, "success")
}

// applyTermination runs the end-of-life policy for a deployment that went
// terminal:
//
//   - stopped by an operator: no re-launch.
//   - died before MinRuntimeForRedeploy: likely a bad definition or market,
//     report failed instead of looping.
//   - launched by this process with its definition in hand: re-launch once
//     and hand the replacement to a fresh watchdog.
//   - recovered (no definition): nothing to re-launch.
//
// In every case the orchestrator receives a final terminated heartbeat with
// zeroed resources last, after any replacement heartbeat, so its inventory
// converges on the replacement instance.
func (c *Client) applyTermination(deploymentID string, status nosana.DeploymentStatus, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c.mu.Lock()
	d, ok := c.watched[deploymentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	snap := d.clone()
	c.mu.Unlock()

	runtime := time.Since(snap.StartTime)
	c.emitter.Audit(ctx, "WATCHDOG_TERMINATED", deploymentID, map[string]any{
		"status":         string(status),
		"runtimeSeconds": int(runtime.Seconds()),
		"userStopped":    snap.UserStopped,
	}, "success")

	switch {
	case snap.UserStopped:
		logger.Info("deployment stopped by user; not re-launching")

	case runtime < c.timing.MinRuntimeForRedeploy:
		logger.Warn("deployment died too early; not re-launching",
			slog.Duration("runtime", runtime))
		relaunchesTotal.WithLabelValues("skipped_early").Inc()
		c.sendHeartbeat(ctx, snap, orchestrator.StateFailed, 0, "")

	case snap.JobDefinition != nil && snap.MarketAddress != "":
		logger.Info("re-launching terminated deployment")
		lctx, lcancel := context.WithTimeout(context.Background(), c.timing.StartTimeout+time.Minute)
		defer lcancel()
		res, err := c.Launch(lctx, LaunchInput{
			JobDefinition: snap.JobDefinition,
			MarketAddress: snap.MarketAddress,
			Confidential:  snap.Confidential,
			Resources:     snap.Resources,
		})
		if err != nil {
			relaunchesTotal.WithLabelValues("failure").Inc()
			logger.Error("re-launch failed", slog.String("error", err.Error()))
			c.sendHeartbeat(ctx, snap, orchestrator.StateFailed, 0, "")
		} else {
			relaunchesTotal.WithLabelValues("success").Inc()
			c.mu.Lock()
			replacement, ok := c.watched[res.DeploymentID]
			var repSnap *WatchedDeployment
			if ok {
				repSnap = replacement.clone()
			}
			c.mu.Unlock()
			if repSnap != nil {
				c.sendHeartbeat(ctx, repSnap, orchestrator.StateProvisioning, 50, snap.InstanceID())
			}
		}

	default:
		logger.Info("no job definition held; not re-launching")
	}

	final := snap.clone()
	final.Resources = Resources{}
	c.sendHeartbeat(ctx, final, orchestrator.StateTerminated, 0, "")

	c.mu.Lock()
	delete(c.watched, deploymentID)
	c.mu.Unlock()
	logger.Info("watchdog stopped")
}

// sendHeartbeat reports one inventory event; failures are logged, never
// propagated into the supervision loop.
func (c *Client) sendHeartbeat(ctx context.Context, d *WatchedDeployment, state string, health int, oldInstanceID string) {
	hb := orchestrator.Heartbeat{
		ProviderInstanceID:    d.InstanceID(),
		DeploymentID:          d.DeploymentID,
		GPUAllocated:          d.Resources.GPU,
		VCPUAllocated:         d.Resources.VCPU,
		RAMGBAllocated:        d.Resources.RAMGB,
		HealthScore:           health,
		State:                 state,
		ExposeURL:             d.ServiceURL,
		OldProviderInstanceID: oldInstanceID,
	}
	if err := c.emitter.SendHeartbeat(ctx, hb); err != nil {
		c.logger.Warn("heartbeat failed",
			slog.String("deployment", d.DeploymentID),
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return
	}
	heartbeatsSent.WithLabelValues(state).Inc()
}
