package nosana

import (
	"context"
	"net/url"
)

// GetJob fetches a single-job snapshot by job address.
func (c *Client) GetJob(ctx context.Context, address string) (*JobDetail, error) {
	var job JobDetail
	if err := c.get(ctx, "/jobs/"+url.PathEscape(address), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StopJob stops a single job. Used when a caller holds a bare job address
// rather than a deployment id.
func (c *Client) StopJob(ctx context.Context, address string) error {
	return c.post(ctx, "/jobs/"+url.PathEscape(address)+"/stop", nil, nil)
}

// ExtendJob extends a job's runtime by the given number of seconds. This is
// the fallback path when the deployment-level timeout update is unsupported.
func (c *Client) ExtendJob(ctx context.Context, address string, seconds int) error {
	body := map[string]int{"extensionSeconds": seconds}
	return c.post(ctx, "/jobs/"+url.PathEscape(address)+"/extend", body, nil)
}

// SignMessageExternal asks the Network to sign a message on behalf of the
// delegated credential. Used for compute-node authentication when no local
// wallet key is held.
func (c *Client) SignMessageExternal(ctx context.Context, message string) (*SignedMessage, error) {
	body := map[string]string{"message": message}
	var signed SignedMessage
	// Signing the same message twice is harmless, so the retry policy may
	// treat this as idempotent.
	if err := c.do(ctx, "POST", "/auth/sign-message/external", body, &signed, true); err != nil {
		return nil, err
	}
	return &signed, nil
}

// GetCreditsBalance returns the delegated-mode account balance.
func (c *Client) GetCreditsBalance(ctx context.Context) (*CreditsBalance, error) {
	var bal CreditsBalance
	if err := c.get(ctx, "/credits/balance", &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}
