package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InferiaAI/nosana-sidecar/internal/auth"
	"github.com/InferiaAI/nosana-sidecar/internal/provider"
)

// fallbackPollInterval paces the delegated-mode polling fallback when no
// live stream can be established.
const fallbackPollInterval = 10 * time.Second

const (
	frameLog   = "log"
	frameError = "error"
)

// clientFrame is what subscribers receive.
type clientFrame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// subscribeRequest is the first message a subscriber sends.
// CredentialName stays untyped so a wrong type yields a protocol error
// instead of a silent zero value.
type subscribeRequest struct {
	Type           string          `json:"type"`
	Provider       string          `json:"provider"`
	JobID          string          `json:"jobId"`
	NodeAddress    string          `json:"nodeAddress"`
	CredentialName json.RawMessage `json:"credentialName"`
}

// Bridge is the WebSocket log endpoint.
type Bridge struct {
	registry *provider.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// newStreamer is swapped by tests.
	newStreamer func(nodeAddress, ingress, jobAddress string, signer auth.Signer, logger *slog.Logger) *Streamer
}

// New creates the log bridge over registry.
func New(registry *provider.Registry, logger *slog.Logger) *Bridge {
	return &Bridge{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		newStreamer: NewStreamer,
	}
}

// ServeHTTP upgrades the connection and serves one log subscription. All
// resources are released when the subscriber disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var sub subscribeRequest
	if err := conn.ReadJSON(&sub); err != nil {
		b.sendError(conn, "invalid subscription message")
		return
	}
	conn.SetReadDeadline(time.Time{})

	credentialName, ok := decodeCredentialName(sub.CredentialName)
	if !ok {
		b.sendError(conn, "credentialName must be a string")
		return
	}
	if sub.Type != "subscribe_logs" || sub.JobID == "" {
		b.sendError(conn, "expected subscribe_logs with a jobId")
		return
	}

	client, ok := b.registry.Resolve(credentialName)
	if !ok {
		b.sendError(conn, fmt.Sprintf("no provider client for credential %q", credentialName))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Consume the socket to observe disconnects; subscribers send nothing
	// after the subscription.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	b.serveSubscription(ctx, conn, client, sub)
}

func (b *Bridge) serveSubscription(ctx context.Context, conn *websocket.Conn, client *provider.Client, sub subscribeRequest) {
	job, err := client.JobState(ctx, sub.JobID)
	if err != nil {
		b.sendError(conn, fmt.Sprintf("job lookup failed: %v", err))
		return
	}

	if job.State.Terminal() {
		b.replayHistorical(ctx, conn, client, sub.JobID)
		return
	}

	node := sub.NodeAddress
	if node == "" {
		node = job.Node
	}
	if node == "" {
		b.sendError(conn, "job has no node assigned yet")
		return
	}

	streamer := b.newStreamer(node, client.IngressDomain(), sub.JobID, client.Signer(), b.logger)
	err = streamer.Run(ctx, func(line string) error {
		return b.sendLog(conn, line)
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	if errors.Is(err, auth.ErrAuthUnavailable) {
		// No signature, no stream. Poll the job instead and replay once it
		// terminates.
		b.sendLog(conn, "[SYSTEM] Live stream unavailable, polling job state...")
		b.pollUntilTerminal(ctx, conn, client, sub.JobID)
		return
	}

	b.logger.Warn("live stream ended abnormally",
		slog.String("job", sub.JobID),
		slog.String("error", err.Error()),
	)
}

func (b *Bridge) replayHistorical(ctx context.Context, conn *websocket.Conn, client *provider.Client, jobID string) {
	b.sendLog(conn, "[SYSTEM] Job has terminated. Replaying historical logs...")

	logs, err := client.Logs(ctx, jobID)
	if err != nil {
		b.sendError(conn, fmt.Sprintf("historical log fetch failed: %v", err))
		return
	}
	for _, line := range FlattenResult(logs.Result) {
		if b.sendLog(conn, line) != nil {
			return
		}
	}
	b.sendLog(conn, "[SYSTEM] --- END OF HISTORICAL LOGS ---")
}

func (b *Bridge) pollUntilTerminal(ctx context.Context, conn *websocket.Conn, client *provider.Client, jobID string) {
	ticker := time.NewTicker(fallbackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := client.JobState(ctx, jobID)
		if err != nil {
			continue
		}
		if job.State.Terminal() {
			b.replayHistorical(ctx, conn, client, jobID)
			return
		}
	}
}

func (b *Bridge) sendLog(conn *websocket.Conn, line string) error {
	return conn.WriteJSON(clientFrame{Type: frameLog, Data: line})
}

func (b *Bridge) sendError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(clientFrame{Type: frameError, Message: message})
}

// decodeCredentialName accepts an absent/null credentialName or a JSON
// string; any other type is a protocol error.
func decodeCredentialName(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", false
	}
	return name, true
}
