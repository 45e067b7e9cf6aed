package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/duskward/automaton/internal/automaton/providers"
)

// httpCredits reads the platform-credit balance from a JSON endpoint of the
// shape {"credits": <hundredth-cents>}. The payment protocol's wire format
// is out of scope; this is the thinnest seam that satisfies the
// CreditsSource contract.
type httpCredits struct {
	url string
}

func (c *httpCredits) PlatformCreditsCents(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, fmt.Errorf("credits: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("credits: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("credits: endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("credits: decode: %w", err)
	}
	return body.Credits, nil
}

// balanceOfSelector is the 4-byte ERC-20 balanceOf(address) selector.
const balanceOfSelector = "0x70a08231"

// chainUSDC reads the holder's USDC balance via an eth_call with hand-built
// call data (selector + left-padded address). USDC carries 6 decimals, so
// raw units are 1e-6 USDC; one hundredth-cent is 1e-4 USD, giving
// hundredth-cents = raw / 100.
type chainUSDC struct {
	chain    providers.ChainRPC
	contract string
	holder   string
}

func (c *chainUSDC) USDCBalanceCents(ctx context.Context) (int64, error) {
	addr := strings.TrimPrefix(strings.ToLower(c.holder), "0x")
	data := balanceOfSelector + strings.Repeat("0", 64-len(addr)) + addr

	out, err := c.chain.ReadContract(ctx, c.contract, "erc20", "balanceOf", []interface{}{data})
	if err != nil {
		return 0, fmt.Errorf("usdc balance: %w", err)
	}

	raw := new(big.Int)
	if _, ok := raw.SetString(strings.TrimPrefix(strings.TrimSpace(string(out)), "0x"), 16); !ok {
		return 0, fmt.Errorf("usdc balance: unparseable result %q", out)
	}
	return raw.Div(raw, big.NewInt(100)).Int64(), nil
}
