// Package nosana is a typed client for the Network's REST API plus the
// on-chain and content-storage side channels the sidecar needs.
package nosana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout is the default HTTP client timeout for REST calls.
	DefaultTimeout = 30 * time.Second

	// Retry budget for rate-limited idempotent calls.
	retryAttempts     = 5
	retryBaseInterval = 500 * time.Millisecond
	retryMaxInterval  = 8 * time.Second

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
)

// AuthFunc produces the Authorization header value for a request.
// Delegated mode uses a static bearer token; local mode signs with the
// wallet per call.
type AuthFunc func(ctx context.Context) (string, error)

// Client is the Network API client. One instance exists per credential.
type Client struct {
	baseURL        string
	ipfsGatewayURL string
	httpClient     *http.Client
	auth           AuthFunc
	retryBase      time.Duration

	marketMu       sync.Mutex
	markets        []Market
	marketsFetched time.Time
	marketTTL      time.Duration

	solana *SolanaRPC
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithIPFSGatewayURL sets the content-storage gateway base URL.
func WithIPFSGatewayURL(u string) Option {
	return func(c *Client) { c.ipfsGatewayURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithAPIKey authenticates every request with a static bearer token
// (delegated mode).
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.auth = func(context.Context) (string, error) {
			return "Bearer " + key, nil
		}
	}
}

// WithAuthFunc authenticates requests with a per-call header producer
// (local mode wallet signing).
func WithAuthFunc(fn AuthFunc) Option {
	return func(c *Client) { c.auth = fn }
}

// WithSolanaRPC attaches an on-chain RPC client for wallet balance queries.
func WithSolanaRPC(rpc *SolanaRPC) Option {
	return func(c *Client) { c.solana = rpc }
}

// withRetryBaseInterval shrinks the retry base interval; tests only.
func withRetryBaseInterval(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

// NewClient creates a new Network API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retryBase:  retryBaseInterval,
		marketTTL:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs one HTTP exchange against the API.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	reqURL := c.baseURL + path
	if _, err := url.Parse(reqURL); err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.auth != nil {
		header, err := c.auth(ctx)
		if err != nil {
			return fmt.Errorf("failed to build auth header: %w", err)
		}
		req.Header.Set(headerAuthorization, header)
	}
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// do wraps doRequest in the 429 retry policy. Only idempotent calls are
// retried: a 429 response to a mutating call could follow server-side
// acceptance, so it is reported as final.
func (c *Client) do(ctx context.Context, method, path string, body, result any, idempotent bool) error {
	op := func() error {
		err := c.doRequest(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		if idempotent && IsRateLimited(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx))
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result, true)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result, false)
}

func (c *Client) patch(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPatch, path, body, result, true)
}
