package router

import (
	"sync"

	"github.com/duskward/automaton/internal/automaton/domain"
)

// StaticRegistry is the in-process model registry the router consults. Rows
// are seeded from the static baseline at startup and may be overridden at
// runtime; each row is bound to the Provider instance that serves it.
type StaticRegistry struct {
	mu        sync.RWMutex
	rows      map[string]domain.ModelRegistryRow
	providers map[string]Provider
}

// NewStaticRegistry returns an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		rows:      map[string]domain.ModelRegistryRow{},
		providers: map[string]Provider{},
	}
}

// Add registers or overrides a model row and the provider serving it.
func (r *StaticRegistry) Add(row domain.ModelRegistryRow, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.ModelID] = row
	r.providers[row.ModelID] = p
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(modelID string) (domain.ModelRegistryRow, Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[modelID]
	if !ok {
		return domain.ModelRegistryRow{}, nil, false
	}
	return row, r.providers[modelID], true
}

// BaselineModels is the static seed for the model registry. Costs are in
// hundredth-cents per 1k tokens. Runtime overrides go through the store's
// model_registry table and re-Add calls.
func BaselineModels() []domain.ModelRegistryRow {
	return []domain.ModelRegistryRow{
		{
			ModelID: "gpt-4o", Provider: "openai", TierMinimum: domain.TierNormal,
			CostPer1kInput: 250, CostPer1kOutput: 1000,
			MaxTokens: 4096, ContextWindow: 128_000, SupportsTools: true, Enabled: true,
		},
		{
			ModelID: "gpt-4o-mini", Provider: "openai", TierMinimum: domain.TierCritical,
			CostPer1kInput: 15, CostPer1kOutput: 60,
			MaxTokens: 4096, ContextWindow: 128_000, SupportsTools: true, Enabled: true,
		},
		{
			ModelID: "gpt-4.1-nano", Provider: "openai", TierMinimum: domain.TierCritical,
			CostPer1kInput: 10, CostPer1kOutput: 40,
			MaxTokens: 2048, ContextWindow: 128_000, SupportsTools: true, Enabled: true,
		},
	}
}

// DefaultMatrix is the baseline (tier, taskKind) routing matrix. Tiers with
// no cell for a task kind simply cannot run it: low_compute drops
// summarization and planning, critical keeps only triage and safety checks,
// dead has no cells at all.
func DefaultMatrix() Matrix {
	rich := []Candidate{{ModelID: "gpt-4o"}, {ModelID: "gpt-4o-mini"}}
	lean := []Candidate{{ModelID: "gpt-4o-mini"}, {ModelID: "gpt-4.1-nano"}}
	tiny := []Candidate{{ModelID: "gpt-4.1-nano"}, {ModelID: "gpt-4o-mini"}}

	return Matrix{
		domain.TierHigh: {
			domain.TaskAgentTurn:       {Candidates: rich, MaxTokens: 4096, CeilingCents: -1},
			domain.TaskPlanning:        {Candidates: rich, MaxTokens: 4096, CeilingCents: -1},
			domain.TaskSummarization:   {Candidates: lean, MaxTokens: 1024, CeilingCents: 500},
			domain.TaskHeartbeatTriage: {Candidates: lean, MaxTokens: 512, CeilingCents: 300},
			domain.TaskSafetyCheck:     {Candidates: lean, MaxTokens: 512, CeilingCents: 300},
		},
		domain.TierNormal: {
			domain.TaskAgentTurn:       {Candidates: lean, MaxTokens: 4096, CeilingCents: 1000},
			domain.TaskPlanning:        {Candidates: lean, MaxTokens: 2048, CeilingCents: 500},
			domain.TaskSummarization:   {Candidates: tiny, MaxTokens: 1024, CeilingCents: 300},
			domain.TaskHeartbeatTriage: {Candidates: tiny, MaxTokens: 512, CeilingCents: 200},
			domain.TaskSafetyCheck:     {Candidates: tiny, MaxTokens: 512, CeilingCents: 200},
		},
		domain.TierLowCompute: {
			domain.TaskAgentTurn:       {Candidates: tiny, MaxTokens: 2048, CeilingCents: 500},
			domain.TaskHeartbeatTriage: {Candidates: tiny, MaxTokens: 256, CeilingCents: 100},
			domain.TaskSafetyCheck:     {Candidates: tiny, MaxTokens: 256, CeilingCents: 100},
		},
		domain.TierCritical: {
			domain.TaskHeartbeatTriage: {Candidates: tiny, MaxTokens: 256, CeilingCents: 300},
			domain.TaskSafetyCheck:     {Candidates: tiny, MaxTokens: 256, CeilingCents: 300},
		},
	}
}
