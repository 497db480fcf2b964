// Package orchestrator is the outbound client for the compute
// orchestrator: credential snapshots in, heartbeats and audit records out.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/InferiaAI/nosana-sidecar/internal/pkg/ulid"
)

const (
	headerInternalAPIKey = "X-Internal-API-Key"

	credentialsPath = "/internal/config/credentials"
	heartbeatPath   = "/inventory/heartbeat"
	auditPath       = "/audit/internal/log"
)

// Client talks to the orchestrator. Heartbeat and audit POSTs run behind a
// circuit breaker so a dead orchestrator cannot stall watchdog loops.
type Client struct {
	gatewayURL      string
	orchestratorURL string
	internalAPIKey  string
	fetchTimeout    time.Duration
	httpClient      *http.Client
	breaker         *gobreaker.CircuitBreaker
	logger          *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFetchTimeout bounds the credential snapshot fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) { c.fetchTimeout = d }
}

// NewClient creates an orchestrator client. gatewayURL hosts the config and
// audit endpoints; orchestratorURL hosts the inventory endpoint.
func NewClient(gatewayURL, orchestratorURL, internalAPIKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		gatewayURL:      gatewayURL,
		orchestratorURL: orchestratorURL,
		internalAPIKey:  internalAPIKey,
		fetchTimeout:    5 * time.Second,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "orchestrator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("orchestrator breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

// FetchCredentials retrieves the authoritative credential snapshot.
func (c *Client) FetchCredentials(ctx context.Context) (*CredentialsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+credentialsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerInternalAPIKey, c.internalAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("credential fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential fetch: status %d: %s", resp.StatusCode, body)
	}

	var snapshot CredentialsSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("credential fetch: %w", err)
	}
	return &snapshot, nil
}

// SendHeartbeat posts one inventory heartbeat. Loss is tolerated: heartbeats
// are periodic and the next one supersedes a dropped one, so breaker-open
// and HTTP failures are returned for logging, not retried.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.Provider == "" {
		hb.Provider = "nosana"
	}
	if hb.EventID == "" {
		hb.EventID = uuid.NewString()
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.postJSON(ctx, c.orchestratorURL+heartbeatPath, hb)
	})
	return err
}

// Audit posts one audit record. Failures are logged and swallowed: audit
// trail gaps must never fail the operation being audited.
func (c *Client) Audit(ctx context.Context, action, resourceID string, details map[string]any, status string) {
	entry := AuditEntry{
		ID:           ulid.New(),
		Action:       action,
		ResourceType: "deployment",
		ResourceID:   resourceID,
		Details:      details,
		Status:       status,
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.postJSON(ctx, c.gatewayURL+auditPath, entry)
	})
	if err != nil {
		c.logger.Warn("audit log dropped",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) postJSON(ctx context.Context, url string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerInternalAPIKey, c.internalAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
