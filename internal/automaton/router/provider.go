// Package router selects a model from the (tier, taskKind) routing matrix,
// enforces per-call and hourly cost ceilings, invokes the Inference
// provider with retry and fallback, and records actual spend.
package router

import (
	"context"

	"github.com/duskward/automaton/internal/automaton/domain"
)

// Role mirrors the OpenAI-style chat roles used throughout the prompt
// pipeline.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a chat-style completion request.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall is a model-issued tool invocation.
type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

// FunctionCall is the function-calling payload of a ToolCall.
type FunctionCall struct {
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes one callable tool offered to the model.
type ToolDefinition struct {
	Type     string
	Function FunctionDef
}

// FunctionDef is the JSON-Schema-backed description of a callable function.
type FunctionDef struct {
	Name        string
	Description string
	Parameters  interface{}
}

// CompletionRequest is sent to an Inference provider.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is returned by an Inference provider.
type CompletionResponse struct {
	Message      Message
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports actual token consumption for a completion call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the narrow capability interface the router consumes; concrete
// implementations live under internal/automaton/providers/inference.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// RetryableError is implemented by provider errors that the router should
// retry (network failures, 5xx responses, rate limiting).
type RetryableError interface {
	error
	Retryable() bool
}

// Candidate is one ordered entry in a routing-matrix cell.
type Candidate struct {
	ModelID string
}

// MatrixCell is the routing-matrix entry selected for one (tier, taskKind) pair.
type MatrixCell struct {
	Candidates  []Candidate
	MaxTokens   int
	CeilingCents int64 // -1 means unbounded, subject only to the global ceiling
}

// Matrix maps (tier, taskKind) to a MatrixCell.
type Matrix map[domain.Tier]map[domain.TaskKind]MatrixCell

// Lookup returns the cell for (tier, kind), or the zero value and false if
// absent.
func (m Matrix) Lookup(tier domain.Tier, kind domain.TaskKind) (MatrixCell, bool) {
	byKind, ok := m[tier]
	if !ok {
		return MatrixCell{}, false
	}
	cell, ok := byKind[kind]
	return cell, ok
}
