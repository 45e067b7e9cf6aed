// Package inference implements the inference provider contract against an
// OpenAI-compatible chat completions endpoint. One adapter instance can
// serve several routing-matrix candidates, with only the base URL and model
// swapped per request.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/duskward/automaton/internal/automaton/router"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures one OpenAI-compatible adapter instance.
type Config struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint (local models, other vendors).
	// Defaults to https://api.openai.com/v1.
	BaseURL string
	// Timeout bounds each HTTP request. Defaults to 120s; the router layers
	// its own per-task deadline on top via the context.
	Timeout time.Duration
}

// Provider implements router.Provider against an OpenAI-compatible API.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New returns a Provider backed by the given OpenAI-compatible endpoint.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// callError wraps a provider failure with a retryability verdict so the
// router's RetryableError check can distinguish transient network/5xx/
// rate-limit failures from a prompt or auth error that retrying cannot fix.
type callError struct {
	err       error
	retryable bool
}

func (e *callError) Error() string   { return e.err.Error() }
func (e *callError) Unwrap() error   { return e.err }
func (e *callError) Retryable() bool { return e.retryable }

// --- wire types (subset of the OpenAI chat completions API) ---

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	Tools     []oaiTool    `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string         `json:"type"`
	Function oaiFunctionDef `json:"function"`
}

type oaiFunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete sends one chat completion request and maps the response onto
// router.CompletionResponse.
func (p *Provider) Complete(ctx context.Context, req router.CompletionRequest) (*router.CompletionResponse, error) {
	oaiMessages := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := oaiMessage{Role: string(m.Role), ToolCallID: m.ToolCallID, Name: m.Name}
		if m.Content != "" {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaiToolCall{
				ID:       tc.ID,
				Type:     tc.Type,
				Function: oaiFunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		oaiMessages = append(oaiMessages, om)
	}

	oaiTools := make([]oaiTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		oaiTools = append(oaiTools, oaiTool{
			Type: t.Type,
			Function: oaiFunctionDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	data, err := json.Marshal(oaiRequest{
		Model:     req.Model,
		Messages:  oaiMessages,
		Tools:     oaiTools,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, &callError{err: fmt.Errorf("inference: build request: %w", err), retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &callError{err: fmt.Errorf("inference: http request: %w", err), retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &callError{err: fmt.Errorf("inference: read response: %w", err), retryable: true}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter > 0 {
			select {
			case <-ctx.Done():
				return nil, &callError{err: ctx.Err(), retryable: false}
			case <-time.After(retryAfter):
			}
		}
		return nil, &callError{err: fmt.Errorf("inference: status %d: %s", resp.StatusCode, body), retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &callError{err: fmt.Errorf("inference: status %d: %s", resp.StatusCode, body), retryable: false}
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, &callError{err: fmt.Errorf("inference: decode response: %w", err), retryable: false}
	}
	if oaiResp.Error != nil {
		return nil, &callError{err: fmt.Errorf("inference: %s: %s", oaiResp.Error.Type, oaiResp.Error.Message), retryable: false}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &callError{err: errors.New("inference: no choices in response"), retryable: true}
	}

	choice := oaiResp.Choices[0]
	msg := router.Message{Role: router.Role(choice.Message.Role)}
	if s, ok := choice.Message.Content.(string); ok {
		msg.Content = s
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, router.ToolCall{
			ID:       tc.ID,
			Type:     tc.Type,
			Function: router.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}

	return &router.CompletionResponse{
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage: router.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
