package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duskward/automaton/common/retry"
	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/errs"
	"github.com/duskward/automaton/internal/automaton/store"
)

// taskTimeouts are the per-task deadlines applied to each provider call.
var taskTimeouts = map[domain.TaskKind]time.Duration{
	domain.TaskHeartbeatTriage: 15 * time.Second,
	domain.TaskSafetyCheck:     30 * time.Second,
	domain.TaskSummarization:   60 * time.Second,
	domain.TaskAgentTurn:       120 * time.Second,
	domain.TaskPlanning:        120 * time.Second,
}

// Registry resolves a model id to the Provider that serves it, and the
// ModelRegistry row describing its cost and eligibility.
type Registry interface {
	Lookup(modelID string) (domain.ModelRegistryRow, Provider, bool)
}

// Router selects models, enforces budgets, and dispatches inference calls.
type Router struct {
	db                  *store.Store
	matrix              Matrix
	registry            Registry
	perCallCeilingCents int64
	hourlyBudgetCents   int64
	enableModelFallback bool
}

// New builds a Router over the given routing matrix and model registry.
func New(db *store.Store, matrix Matrix, registry Registry, perCallCeilingCents, hourlyBudgetCents int64, enableModelFallback bool) *Router {
	return &Router{
		db:                  db,
		matrix:              matrix,
		registry:            registry,
		perCallCeilingCents: perCallCeilingCents,
		hourlyBudgetCents:   hourlyBudgetCents,
		enableModelFallback: enableModelFallback,
	}
}

// Request is the input to Dispatch.
type Request struct {
	TaskKind     domain.TaskKind
	Tier         domain.Tier
	Messages     []Message
	Tools        []ToolDefinition
	SizeHint     int // estimated input tokens
	TierCeiling  int64
}

// Result is the router's output for one dispatched call.
type Result struct {
	Message            Message
	ToolCalls          []ToolCall
	Usage              TokenUsage
	ModelID            string
	Attempts           int
	CostHundredthCents int64
}

// Dispatch selects a model, enforces ceilings and the hourly budget,
// invokes the provider with retry, and records actual spend.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Result, error) {
	cell, ok := r.matrix.Lookup(req.Tier, req.TaskKind)
	if !ok || len(cell.Candidates) == 0 {
		return nil, errs.ErrNoEligibleModel
	}

	effectiveCeiling := r.perCallCeilingCents
	if cell.CeilingCents >= 0 && (effectiveCeiling < 0 || cell.CeilingCents < effectiveCeiling) {
		effectiveCeiling = cell.CeilingCents
	}
	if req.TierCeiling >= 0 && (effectiveCeiling < 0 || req.TierCeiling < effectiveCeiling) {
		effectiveCeiling = req.TierCeiling
	}

	timeout, ok := taskTimeouts[req.TaskKind]
	if !ok {
		timeout = 120 * time.Second
	}

	attempts := 0
	var lastErr error
	eligible := false

	for _, cand := range cell.Candidates {
		row, provider, found := r.registry.Lookup(cand.ModelID)
		if !found || !row.Enabled || row.TierMinimum > req.Tier {
			continue
		}
		eligible = true

		maxTokens := cell.MaxTokens
		if maxTokens <= 0 || maxTokens > row.MaxTokens {
			maxTokens = row.MaxTokens
		}

		estimated := estimateCostHundredthCents(row, req.SizeHint, maxTokens)
		if effectiveCeiling >= 0 && estimated > effectiveCeiling {
			continue
		}

		hourlySpend, err := r.db.HourlySpendCents(ctx, time.Now())
		if err != nil {
			return nil, fmt.Errorf("router: hourly spend: %w", err)
		}
		if r.hourlyBudgetCents > 0 && hourlySpend+estimated > r.hourlyBudgetCents {
			continue
		}

		result, attemptsUsed, err := r.callWithRetry(ctx, cand.ModelID, provider, req, maxTokens, timeout)
		attempts += attemptsUsed
		if err == nil {
			if recErr := r.record(ctx, req, row.ModelID, req.Tier, result.Usage); recErr != nil {
				slog.Error("router: failed to record ledger entry", "err", recErr)
			}
			return &Result{
				Message:            result.Message,
				ToolCalls:          result.Message.ToolCalls,
				Usage:              result.Usage,
				ModelID:            row.ModelID,
				Attempts:           attempts,
				CostHundredthCents: actualCostHundredthCents(row, result.Usage),
			}, nil
		}

		lastErr = err
		if !r.enableModelFallback {
			break
		}
	}

	if !eligible {
		return nil, errs.ErrNoEligibleModel
	}
	if lastErr != nil {
		if errors.Is(lastErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", errs.ErrTimeout, lastErr)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, lastErr)
	}
	return nil, errs.ErrBudgetExhausted
}

func (r *Router) callWithRetry(ctx context.Context, modelID string, provider Provider, req Request, maxTokens int, timeout time.Duration) (*CompletionResponse, int, error) {
	attempts := 0
	var resp *CompletionResponse

	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		FullJitter:   true,
		ShouldRetry: func(err error) bool {
			if re, ok := err.(RetryableError); ok {
				return re.Retryable()
			}
			return false
		},
	}

	err := retry.Do(ctx, cfg, func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, callErr := provider.Complete(callCtx, CompletionRequest{
			Model:     modelID,
			Messages:  req.Messages,
			Tools:     req.Tools,
			MaxTokens: maxTokens,
		})
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})

	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

func (r *Router) record(ctx context.Context, req Request, modelID string, tier domain.Tier, usage TokenUsage) error {
	row, _, found := r.registry.Lookup(modelID)
	cost := int64(0)
	if found {
		cost = actualCostHundredthCents(row, usage)
	}
	if err := r.db.AppendLedgerEntry(ctx, domain.CostLedgerEntry{
		Timestamp:          time.Now(),
		ModelID:            modelID,
		TaskKind:           req.TaskKind,
		TokensIn:           usage.PromptTokens,
		TokensOut:          usage.CompletionTokens,
		CostHundredthCents: cost,
		Tier:               tier,
	}); err != nil {
		return err
	}
	return r.db.TouchModelLastSeen(ctx, modelID, time.Now())
}

func estimateCostHundredthCents(row domain.ModelRegistryRow, inTokens, maxTokens int) int64 {
	in := float64(inTokens) / 1000 * row.CostPer1kInput
	out := float64(maxTokens) / 1000 * row.CostPer1kOutput
	return int64(in + out)
}

func actualCostHundredthCents(row domain.ModelRegistryRow, usage TokenUsage) int64 {
	in := float64(usage.PromptTokens) / 1000 * row.CostPer1kInput
	out := float64(usage.CompletionTokens) / 1000 * row.CostPer1kOutput
	return int64(in + out)
}
