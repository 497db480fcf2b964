package nosana

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// CreateDeployment creates a new deployment. It starts in DRAFT until
// StartDeployment is called.
func (c *Client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*Deployment, error) {
	if req.Replicas <= 0 {
		req.Replicas = 1
	}
	var dep Deployment
	if err := c.post(ctx, "/deployments", req, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// StartDeployment transitions a DRAFT deployment to STARTING.
func (c *Client) StartDeployment(ctx context.Context, id string) (DeploymentStatus, error) {
	var resp struct {
		Status DeploymentStatus `json:"status"`
	}
	if err := c.post(ctx, "/deployments/"+url.PathEscape(id)+"/start", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// GetDeployment fetches a single deployment snapshot.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var dep Deployment
	if err := c.get(ctx, "/deployments/"+url.PathEscape(id), &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// StopDeployment stops a deployment. Stopping an already-terminal
// deployment is a noop on the Network side.
func (c *Client) StopDeployment(ctx context.Context, id string) (DeploymentStatus, error) {
	var resp struct {
		Status DeploymentStatus `json:"status"`
	}
	if err := c.post(ctx, "/deployments/"+url.PathEscape(id)+"/stop", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// UpdateDeploymentTimeout sets the deployment timeout in minutes and
// returns the effective timeout. Older deployments may not support this
// call; callers fall back to per-job extension on 404/405/501.
func (c *Client) UpdateDeploymentTimeout(ctx context.Context, id string, minutes int) (int, error) {
	body := map[string]int{"timeout": minutes}
	var resp struct {
		Timeout int `json:"timeout"`
	}
	if err := c.patch(ctx, "/deployments/"+url.PathEscape(id)+"/timeout", body, &resp); err != nil {
		return 0, err
	}
	return resp.Timeout, nil
}

// ListDeployments lists deployments owned by the authenticated credential,
// optionally filtered by status.
func (c *Client) ListDeployments(ctx context.Context, statuses ...DeploymentStatus) ([]Deployment, error) {
	path := "/deployments"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var deps []Deployment
	if err := c.get(ctx, path, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// ListDeploymentJobs lists the jobs of a deployment, optionally filtered by
// job state.
func (c *Client) ListDeploymentJobs(ctx context.Context, id string, state JobState) ([]Job, error) {
	path := "/deployments/" + url.PathEscape(id) + "/jobs"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var jobs []Job
	if err := c.get(ctx, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FirstRunningJob returns the address of the first RUNNING job of a
// deployment, or "" when none is listed yet.
func (c *Client) FirstRunningJob(ctx context.Context, id string) (string, error) {
	jobs, err := c.ListDeploymentJobs(ctx, id, JobRunning)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "", nil
	}
	if jobs[0].Address == "" {
		return "", fmt.Errorf("deployment %s listed a job without an address", id)
	}
	return jobs[0].Address, nil
}
