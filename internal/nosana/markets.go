package nosana

import (
	"context"
	"strings"
	"time"
)

// ListMarkets returns the compute-market catalog, cached for five minutes.
func (c *Client) ListMarkets(ctx context.Context) ([]Market, error) {
	c.marketMu.Lock()
	defer c.marketMu.Unlock()

	if c.markets != nil && time.Since(c.marketsFetched) < c.marketTTL {
		return c.markets, nil
	}

	var markets []Market
	if err := c.get(ctx, "/markets", &markets); err != nil {
		return nil, err
	}
	c.markets = markets
	c.marketsFetched = time.Now()
	return markets, nil
}

// ResolveMarket maps a market slug to its on-chain address. Full addresses
// pass through untouched; a short or dashed identifier is treated as a
// legacy slug and resolved against the catalog. Unresolvable slugs are
// returned as-is so the Network can reject them with a precise error.
func (c *Client) ResolveMarket(ctx context.Context, slugOrAddress string) string {
	if len(slugOrAddress) >= 30 && !strings.Contains(slugOrAddress, "-") {
		return slugOrAddress
	}
	markets, err := c.ListMarkets(ctx)
	if err != nil {
		return slugOrAddress
	}
	for _, m := range markets {
		if m.Slug == slugOrAddress && m.Address != "" {
			return m.Address
		}
	}
	return slugOrAddress
}
