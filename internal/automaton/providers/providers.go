// Package providers declares the narrow capability interfaces the core
// consumes: sandbox-exec, social relay, wallet-signer, and chain-RPC. The
// Inference capability lives on router.Provider instead, since the router
// owns model selection. Concrete implementations live under
// internal/providers/{sandbox,social,wallet,chainrpc}; this package only
// names the contracts so the turn engine and heartbeat tasks can depend on
// an interface rather than a concrete adapter.
package providers

import "context"

// ExecResult is the outcome of a command run inside the sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExposedPort is a sandbox port published to the outside world.
type ExposedPort struct {
	PublicURL string
}

// Sandbox is the Sandbox-exec capability: run commands and manage files and
// ports inside the automaton's own compute sandbox.
type Sandbox interface {
	Exec(ctx context.Context, command []string, timeoutMs int) (ExecResult, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	ExposePort(ctx context.Context, port int) (ExposedPort, error)
}

// SocialMessage is one message returned by a Social poll.
type SocialMessage struct {
	ID       string
	From     string
	To       string
	Content  string
	SignedAt string // ISO-8601, as delivered by the relay
}

// PollResult is the outcome of one Social.Poll call.
type PollResult struct {
	Messages   []SocialMessage
	NextCursor string
}

// Social is the Social-relay capability: poll for inbound messages since a
// cursor, and send outbound messages.
type Social interface {
	Poll(ctx context.Context, cursor string) (PollResult, error)
	Send(ctx context.Context, to, content string) (id string, err error)
}

// TypedDataDomain is the EIP-712-style domain separator for a signing
// request. Field contents are opaque to the core; only the Wallet-signer
// adapter interprets them.
type TypedDataDomain map[string]interface{}

// TypedDataTypes describes the structured-data type tree for a signing
// request, keyed by type name.
type TypedDataTypes map[string][]TypedDataField

// TypedDataField is one field of a TypedDataTypes entry.
type TypedDataField struct {
	Name string
	Type string
}

// Wallet is the Wallet-signer capability: holds (or derives) this
// automaton's keypair and signs typed data with it. The private key never
// leaves the adapter; the core only ever sees the resulting signature and
// the public address.
type Wallet interface {
	Address(ctx context.Context) (string, error)
	SignTypedData(ctx context.Context, domain TypedDataDomain, types TypedDataTypes, message map[string]interface{}) (signatureHex string, err error)
}

// ChainRPC is the chain-RPC capability: read-only contract calls. The
// on-chain registry's wire format is the caller's concern, so this
// interface stays intentionally thin.
type ChainRPC interface {
	ReadContract(ctx context.Context, address string, abi string, fn string, args []interface{}) ([]byte, error)
}
