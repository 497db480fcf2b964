package nosana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/gzip"
)

// PinArtifact pins a job definition to content-addressed storage and
// returns the content hash. Local mode publishes definitions this way
// before posting the job listing.
func (c *Client) PinArtifact(ctx context.Context, jobDefinition any) (string, error) {
	body := map[string]any{"jobDefinition": jobDefinition}
	var resp struct {
		IPFSHash string `json:"ipfsHash"`
	}
	if err := c.post(ctx, "/pinning", body, &resp); err != nil {
		return "", err
	}
	if resp.IPFSHash == "" {
		return "", fmt.Errorf("pinning returned no content hash")
	}
	return resp.IPFSHash, nil
}

// FetchArtifact retrieves a content-addressed blob from the storage
// gateway. Result archives are frequently served gzip-compressed without a
// Content-Encoding header, so the magic bytes are checked as well.
func (c *Client) FetchArtifact(ctx context.Context, contentHash string) ([]byte, error) {
	if c.ipfsGatewayURL == "" {
		return nil, fmt.Errorf("no content-storage gateway configured")
	}
	reqURL := c.ipfsGatewayURL + "/" + url.PathEscape(contentHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, parseError(resp.StatusCode, raw)
	}

	if isGzip(resp.Header.Get("Content-Encoding"), raw) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip artifact: %w", err)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress artifact: %w", err)
		}
		return decoded, nil
	}
	return raw, nil
}

// FetchResult fetches a result archive and decodes it as a JSON tree.
func (c *Client) FetchResult(ctx context.Context, contentHash string) (any, error) {
	raw, err := c.FetchArtifact(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Non-JSON results are surfaced as a raw string.
		return string(raw), nil
	}
	return v, nil
}

func isGzip(contentEncoding string, raw []byte) bool {
	if contentEncoding == "gzip" {
		return true
	}
	return len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b
}
