package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InferiaAI/nosana-sidecar/internal/auth"
	"github.com/InferiaAI/nosana-sidecar/internal/pkg/dyn"
)

const (
	handshakeTimeout  = 10 * time.Second
	reconnectDelay    = 3 * time.Second
	reconnectAttempts = 10
)

// Streamer attaches to a compute node's log socket and forwards log frames.
type Streamer struct {
	nodeAddress string
	ingress     string
	jobAddress  string
	signer      auth.Signer
	logger      *slog.Logger

	// dialURL overrides the wss:// node URL; used by tests.
	dialURL string
	dialer  *websocket.Dialer
}

// NewStreamer builds a live-log streamer for one job on one node.
func NewStreamer(nodeAddress, ingress, jobAddress string, signer auth.Signer, logger *slog.Logger) *Streamer {
	return &Streamer{
		nodeAddress: nodeAddress,
		ingress:     ingress,
		jobAddress:  jobAddress,
		signer:      signer,
		logger:      logger,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// subscribeFrame is the node-side subscription envelope.
type subscribeFrame struct {
	Path   string        `json:"path"`
	Body   subscribeBody `json:"body"`
	Header string        `json:"header"`
}

type subscribeBody struct {
	JobAddress string `json:"jobAddress"`
	Address    string `json:"address"`
}

func (s *Streamer) url() string {
	if s.dialURL != "" {
		return s.dialURL
	}
	return fmt.Sprintf("wss://%s.%s", s.nodeAddress, s.ingress)
}

// Run connects to the node and calls emit for every log line until the node
// closes normally, ctx is cancelled, or the reconnect budget runs out.
// Abnormal closes retry with a fixed delay; a successful connection resets
// the budget.
func (s *Streamer) Run(ctx context.Context, emit func(line string) error) error {
	attempts := 0
	for {
		progressed, err := s.streamOnce(ctx, emit)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case isNormalClose(err):
			return nil
		case errors.Is(err, auth.ErrAuthUnavailable):
			// No signature, no stream; the caller falls back to polling.
			return err
		}
		if progressed {
			attempts = 0
		}

		attempts++
		if attempts >= reconnectAttempts {
			return fmt.Errorf("bridge: node stream gave up after %d attempts: %w", attempts, err)
		}
		s.logger.Warn("node log stream dropped; reconnecting",
			slog.String("job", s.jobAddress),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// streamOnce runs one connection. progressed reports whether the
// subscription was established, which resets the reconnect budget.
func (s *Streamer) streamOnce(ctx context.Context, emit func(line string) error) (progressed bool, err error) {
	token, err := s.signer.Token(ctx, "Hello Nosana Node!")
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.url(), nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sub := subscribeFrame{
		Path:   "/log",
		Body:   subscribeBody{JobAddress: s.jobAddress, Address: s.signer.Address()},
		Header: token,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, err
	}

	// Unblock the blocking read when the client goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if line, ok := decodeLogFrame(raw); ok {
			if err := emit(line); err != nil {
				return true, nil
			}
		}
	}
}

// decodeLogFrame extracts the displayable line from a node frame. Nodes
// wrap lines as {"log": ...} or {"data": ...}; anything else is forwarded
// verbatim.
func decodeLogFrame(raw []byte) (string, bool) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return string(raw), true
	}
	if line, ok := frame["log"]; ok {
		return dyn.Stringify(line), true
	}
	if line, ok := frame["data"]; ok {
		return dyn.Stringify(line), true
	}
	return string(raw), true
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
