package inference

import (
	"context"

	"github.com/duskward/automaton/internal/automaton/router"
)

// Mock is a scripted router.Provider for tests: call i returns Errs[i] if
// set, else Responses[i], else a plain "ok" reply, without touching the
// network.
type Mock struct {
	Responses []router.CompletionResponse
	Errs      []error
	Calls     []router.CompletionRequest
	next      int
}

func (m *Mock) Complete(_ context.Context, req router.CompletionRequest) (*router.CompletionResponse, error) {
	m.Calls = append(m.Calls, req)
	i := m.next
	m.next++
	if i < len(m.Errs) && m.Errs[i] != nil {
		return nil, m.Errs[i]
	}
	if i < len(m.Responses) {
		resp := m.Responses[i]
		return &resp, nil
	}
	return &router.CompletionResponse{Message: router.Message{Role: router.RoleAssistant, Content: "ok"}}, nil
}

// RetryableErr is a mock error implementing router.RetryableError.
type RetryableErr struct {
	Msg       string
	IsRetry   bool
}

func (e *RetryableErr) Error() string   { return e.Msg }
func (e *RetryableErr) Retryable() bool { return e.IsRetry }
