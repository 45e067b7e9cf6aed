// Package chainrpc implements the chain-RPC provider contract as a thin
// JSON-RPC-over-HTTP client. Callers hand it pre-encoded call data; no ABI
// machinery lives here.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config configures the JSON-RPC endpoint.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Provider implements providers.ChainRPC over a single JSON-RPC endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	nextID int
}

// New returns a Provider dialing the given JSON-RPC endpoint.
func New(cfg Config) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// callData is the eth_call-shaped request payload: a contract address, an
// ABI-encoded function selector + arguments, built by the caller since no
// ABI-encoding library is wired.
type callData struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// ReadContract issues an eth_call against address with the pre-encoded call
// data in args[0] (a hex string already ABI-encoded by the caller); abi and
// fn are accepted for interface symmetry and included in error messages but
// not used to encode the call.
func (p *Provider) ReadContract(ctx context.Context, address string, abi string, fn string, args []interface{}) ([]byte, error) {
	var data string
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			data = s
		}
	}

	p.nextID++
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      p.nextID,
		Method:  "eth_call",
		Params:  []interface{}{callData{To: address, Data: data}, "latest"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: %s.%s: %w", abi, fn, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("chainrpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chainrpc: %s.%s: rpc error %d: %s", abi, fn, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var hexResult string
	if err := json.Unmarshal(rpcResp.Result, &hexResult); err != nil {
		return rpcResp.Result, nil
	}
	return []byte(hexResult), nil
}
