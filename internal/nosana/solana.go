package nosana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/InferiaAI/nosana-sidecar/internal/pkg/dyn"
)

// NOSMint is the SPL token mint of the Network's utility token.
const NOSMint = "nosXBVoaCTtYdLvKY6Csb4AC8JCdQKKAaWYtx2ZMoo7"

const lamportsPerSol = 1_000_000_000

// SolanaRPC is a minimal JSON-RPC client for the balance queries local mode
// needs. It is not a general-purpose chain client.
type SolanaRPC struct {
	url        string
	httpClient *http.Client
}

// NewSolanaRPC creates a Solana JSON-RPC client.
func NewSolanaRPC(url string) *SolanaRPC {
	return &SolanaRPC{
		url:        url,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *SolanaRPC) call(ctx context.Context, method string, params []any, result any) error {
	raw, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, body)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// SolBalance returns the SOL balance of an address.
func (s *SolanaRPC) SolBalance(ctx context.Context, address string) (float64, error) {
	var result struct {
		Value int64 `json:"value"`
	}
	if err := s.call(ctx, "getBalance", []any{address}, &result); err != nil {
		return 0, err
	}
	return float64(result.Value) / lamportsPerSol, nil
}

// TokenBalance returns the balance of an SPL token held by owner.
func (s *SolanaRPC) TokenBalance(ctx context.Context, owner, mint string) (float64, error) {
	params := []any{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	}
	var result struct {
		Value []any `json:"value"`
	}
	if err := s.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return 0, err
	}
	if len(result.Value) == 0 {
		return 0, nil
	}
	amount, ok := dyn.Number(result.Value[0], "account", "data", "parsed", "info", "tokenAmount", "uiAmount")
	if !ok {
		return 0, fmt.Errorf("unexpected token account shape")
	}
	return amount, nil
}

// WalletBalance returns the SOL and NOS balances of an address.
func (c *Client) WalletBalance(ctx context.Context, address string) (*WalletBalance, error) {
	if c.solana == nil {
		return nil, fmt.Errorf("no solana rpc configured")
	}
	// Two sequential calls; balance queries are rare and not time-critical.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	sol, err := c.solana.SolBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	nos, err := c.solana.TokenBalance(ctx, address, NOSMint)
	if err != nil {
		return nil, err
	}
	return &WalletBalance{Sol: sol, Nos: nos}, nil
}
