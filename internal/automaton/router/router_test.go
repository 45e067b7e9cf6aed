package router_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/errs"
	"github.com/duskward/automaton/internal/automaton/router"
	"github.com/duskward/automaton/internal/automaton/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "router-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRetryableError struct{ retryable bool }

func (e *fakeRetryableError) Error() string   { return "fake provider error" }
func (e *fakeRetryableError) Retryable() bool { return e.retryable }

type scriptedProvider struct {
	calls   int
	results []error // nil entries succeed
}

func (p *scriptedProvider) Complete(ctx context.Context, req router.CompletionRequest) (*router.CompletionResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return nil, p.results[i]
	}
	return &router.CompletionResponse{
		Message: router.Message{Role: router.RoleAssistant, Content: "ok"},
		Usage:   router.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type fakeRegistry struct {
	rows      map[string]domain.ModelRegistryRow
	providers map[string]router.Provider
}

func (f *fakeRegistry) Lookup(modelID string) (domain.ModelRegistryRow, router.Provider, bool) {
	row, ok := f.rows[modelID]
	if !ok {
		return domain.ModelRegistryRow{}, nil, false
	}
	return row, f.providers[modelID], true
}

func baseRow(id string, enabled bool) domain.ModelRegistryRow {
	return domain.ModelRegistryRow{
		ModelID: id, Provider: "test", TierMinimum: domain.TierDead,
		CostPer1kInput: 1, CostPer1kOutput: 1, MaxTokens: 100, ContextWindow: 4000,
		SupportsTools: true, Enabled: enabled,
	}
}

func TestRouterFallbackScenario(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	providerA := &scriptedProvider{results: []error{
		&fakeRetryableError{retryable: true},
		&fakeRetryableError{retryable: true},
		&fakeRetryableError{retryable: true},
	}}
	providerC := &scriptedProvider{}

	reg := &fakeRegistry{
		rows: map[string]domain.ModelRegistryRow{
			"A": baseRow("A", true),
			"B": baseRow("B", false), // disabled
			"C": baseRow("C", true),
		},
		providers: map[string]router.Provider{
			"A": providerA,
			"C": providerC,
		},
	}

	matrix := router.Matrix{
		domain.TierNormal: {
			domain.TaskAgentTurn: router.MatrixCell{
				Candidates: []router.Candidate{{ModelID: "A"}, {ModelID: "B"}, {ModelID: "C"}},
				MaxTokens:  50,
				CeilingCents: -1,
			},
		},
	}

	r := router.New(db, matrix, reg, -1, 0, true)
	result, err := r.Dispatch(ctx, router.Request{
		TaskKind: domain.TaskAgentTurn,
		Tier:     domain.TierNormal,
		Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}},
		SizeHint: 10,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.ModelID != "C" {
		t.Fatalf("modelID = %q, want C", result.ModelID)
	}
	if result.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4 (3 on A, 1 on C)", result.Attempts)
	}

	// C's cost rounds down to 0 hundredth-cents, so count ledger rows rather
	// than summing spend.
	var rowsC, rowsA int
	if err := db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM cost_ledger WHERE model_id = ?`, "C").Scan(&rowsC); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	if rowsC != 1 {
		t.Fatalf("ledger rows for C = %d, want 1", rowsC)
	}
	if err := db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM cost_ledger WHERE model_id = ?`, "A").Scan(&rowsA); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	if rowsA != 0 {
		t.Fatalf("ledger rows for A = %d, want 0 (every attempt failed)", rowsA)
	}
}

func TestRouterBudgetExhaustedScenario(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	// Pre-load the ledger with 490 cents of spend in the last hour.
	if err := db.AppendLedgerEntry(ctx, domain.CostLedgerEntry{
		Timestamp: time.Now(), ModelID: "seed", TaskKind: domain.TaskAgentTurn,
		TokensIn: 1, TokensOut: 1, CostHundredthCents: 490, Tier: domain.TierNormal,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	reg := &fakeRegistry{
		rows: map[string]domain.ModelRegistryRow{
			"cheap": baseRow("cheap", true),
		},
		providers: map[string]router.Provider{
			"cheap": &scriptedProvider{},
		},
	}
	// At 1000 hundredth-cents per 1k tokens, 10 input tokens plus 10 max
	// output tokens estimate 20, and 490 + 20 exceeds the budget of 500.
	reg.rows["cheap"] = domain.ModelRegistryRow{
		ModelID: "cheap", Provider: "test", TierMinimum: domain.TierDead,
		CostPer1kInput: 1000, CostPer1kOutput: 1000, MaxTokens: 10, ContextWindow: 4000,
		SupportsTools: true, Enabled: true,
	}

	matrix := router.Matrix{
		domain.TierNormal: {
			domain.TaskAgentTurn: router.MatrixCell{
				Candidates:   []router.Candidate{{ModelID: "cheap"}},
				MaxTokens:    10,
				CeilingCents: -1,
			},
		},
	}

	r := router.New(db, matrix, reg, -1, 500, true)
	_, err := r.Dispatch(ctx, router.Request{
		TaskKind: domain.TaskAgentTurn,
		Tier:     domain.TierNormal,
		Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}},
		SizeHint: 10,
		// No tier ceiling, so only the hourly budget can reject the candidate.
		TierCeiling: -1,
	})
	if !errors.Is(err, errs.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
}
