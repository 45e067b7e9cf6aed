// Package turnengine runs the ReAct loop: it gathers one pending input per
// turn, sanitizes it, folds older history into a summary, composes the
// layered system prompt, dispatches inference through the router, executes
// returned tool calls sequentially, and persists the turn.
package turnengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskward/automaton/common/redact"
	"github.com/duskward/automaton/common/trace"
	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/errs"
	"github.com/duskward/automaton/internal/automaton/router"
	"github.com/duskward/automaton/internal/automaton/sanitize"
	"github.com/duskward/automaton/internal/automaton/scheduler"
	"github.com/duskward/automaton/internal/automaton/store"
	"github.com/duskward/automaton/internal/automaton/survival"
)

const (
	defaultRecentTurns   = 20
	defaultFoldThreshold = 15
	defaultMinInterval   = 5 * time.Minute
	defaultPollInterval  = 5 * time.Second

	creatorMessageFile = "CREATOR_MESSAGE.md"
	soulFile           = "SOUL.md"
)

// Options bundles the collaborators and knobs an Engine needs; everything
// is passed explicitly, nothing is process-global.
type Options struct {
	DB        *store.Store
	Router    *router.Router
	Survival  *survival.Controller
	Scheduler *scheduler.Manager
	Providers Providers
	Config    domain.Config

	// Home is the agent's home directory holding SOUL.md and
	// CREATOR_MESSAGE.md.
	Home string

	// Sensitive values (API keys, master key) stripped from tool output
	// before it is persisted or shown to the model.
	Sensitive []string

	MinTurnInterval time.Duration
	PollInterval    time.Duration
}

// Engine is the single serialized turn worker: at most one turn in flight.
type Engine struct {
	db    *store.Store
	rt    *router.Router
	surv  *survival.Controller
	sched *scheduler.Manager
	prov  Providers
	cfg   domain.Config

	home         string
	sensitive    []string
	minInterval  time.Duration
	pollInterval time.Duration

	mu         sync.Mutex
	lastTurnAt time.Time
	summary    string
}

// New builds an Engine. It does not touch the store until Run or Step.
func New(opts Options) *Engine {
	if opts.MinTurnInterval <= 0 {
		opts.MinTurnInterval = defaultMinInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Engine{
		db:           opts.DB,
		rt:           opts.Router,
		surv:         opts.Survival,
		sched:        opts.Scheduler,
		prov:         opts.Providers,
		cfg:          opts.Config,
		home:         opts.Home,
		sensitive:    opts.Sensitive,
		minInterval:  opts.MinTurnInterval,
		pollInterval: opts.PollInterval,
	}
}

// Recover marks any turn left unfinalized by a crash as aborted, retaining
// its partial content for audit. Call once before Run.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.db.AbortUnfinishedTurns(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("aborted unfinalized turns from previous run", "count", n)
	}
	return nil
}

// Run drives Step until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.Step(ctx); err != nil {
			slog.Error("turn failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pendingInput is the single item consumed by one turn.
type pendingInput struct {
	source  string
	message string
	inboxID string
}

// Step checks the turn triggers in preference order (creator message, inbox,
// wake signal, minimum interval) and runs at most one turn. It reports
// whether a turn ran.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	tier := e.surv.Current()
	if tier <= domain.TierCritical {
		// No agent turns below low_compute; the scheduler keeps running.
		e.sched.DrainWake()
		return false, nil
	}

	in, ok, err := e.gatherInput(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, e.runTurn(ctx, tier, in)
}

func (e *Engine) gatherInput(ctx context.Context) (pendingInput, bool, error) {
	// Creator message: consumed and deleted on read.
	creatorPath := filepath.Join(e.home, creatorMessageFile)
	if raw, err := os.ReadFile(creatorPath); err == nil {
		if err := os.Remove(creatorPath); err != nil {
			return pendingInput{}, false, fmt.Errorf("turnengine: remove creator message: %w", err)
		}
		return pendingInput{source: "creator", message: formatCreatorMessage(string(raw))}, true, nil
	}

	msg, err := e.db.NextUnprocessedInbox(ctx)
	if err != nil {
		return pendingInput{}, false, err
	}
	if msg != nil {
		res := sanitize.Sanitize(msg.Content, msg.From)
		if res.Blocked {
			slog.Warn("inbox message blocked by sanitizer",
				"id", msg.ID, "from", msg.From, "threat", res.ThreatLevel.String(), "checks", res.Checks)
		}
		return pendingInput{source: "inbox", message: res.Content, inboxID: msg.ID}, true, nil
	}

	if wakes := e.sched.DrainWake(); len(wakes) > 0 {
		reasons := make([]string, 0, len(wakes))
		for _, w := range wakes {
			reasons = append(reasons, w.Reason)
		}
		return pendingInput{source: "wake", message: formatWakeMessage(strings.Join(reasons, "; "))}, true, nil
	}

	e.mu.Lock()
	idle := time.Since(e.lastTurnAt) >= e.minInterval
	e.mu.Unlock()
	if idle {
		return pendingInput{source: "interval", message: formatWakeMessage("turn interval elapsed")}, true, nil
	}
	return pendingInput{}, false, nil
}

func (e *Engine) runTurn(ctx context.Context, tier domain.Tier, in pendingInput) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	turnID := uuid.NewString()
	now := time.Now()

	e.mu.Lock()
	e.lastTurnAt = now
	e.mu.Unlock()

	if err := e.db.BeginTurn(ctx, turnID, in.source, in.message, now); err != nil {
		return err
	}
	slog.Info("turn started", "turn", turnID, "source", in.source, "tier", tier.String(), "trace", trace.FromContext(ctx))

	msgs, err := e.composeMessages(ctx, tier, in)
	if err != nil {
		return e.finishWithNote(ctx, turnID, in, fmt.Sprintf("Could not compose prompt: %v", err))
	}

	if err := e.db.SetTurnState(ctx, turnID, domain.TurnAwaitingInference); err != nil {
		return err
	}

	registry := buildToolRegistry(e.prov)
	result, err := e.rt.Dispatch(ctx, router.Request{
		TaskKind:    domain.TaskAgentTurn,
		Tier:        tier,
		Messages:    msgs,
		Tools:       registry.definitions(),
		SizeHint:    estimateTokens(msgs),
		TierCeiling: survival.PerCallCeilingCents(tier),
	})
	if err != nil {
		if errors.Is(err, errs.ErrBudgetExhausted) || errors.Is(err, errs.ErrNoEligibleModel) {
			return e.finishWithNote(ctx, turnID, in,
				fmt.Sprintf("No inference performed: %v. Waiting for the budget window or a tier change.", err))
		}
		return e.finishWithNote(ctx, turnID, in, fmt.Sprintf("Inference unavailable: %v", redact.String(err.Error(), e.sensitive...)))
	}

	if err := e.db.SetTurnState(ctx, turnID, domain.TurnDispatchingTools); err != nil {
		return err
	}
	e.dispatchTools(ctx, turnID, registry, result.ToolCalls)

	if err := e.db.FinishTurn(ctx, turnID,
		result.Usage.PromptTokens, result.Usage.CompletionTokens,
		result.ModelID, result.CostHundredthCents, result.Message.Content); err != nil {
		return err
	}
	if in.inboxID != "" {
		if err := e.db.MarkInboxProcessed(ctx, in.inboxID); err != nil {
			return err
		}
	}
	slog.Info("turn finalized", "turn", turnID, "model", result.ModelID,
		"attempts", result.Attempts, "cost_hc", result.CostHundredthCents, "tool_calls", len(result.ToolCalls))
	return nil
}

// dispatchTools executes the model's tool calls sequentially, enforcing the
// one-trust-boundary-action-per-turn limit before dispatch and stopping at
// the first fatal failure.
func (e *Engine) dispatchTools(ctx context.Context, turnID string, registry *toolRegistry, calls []router.ToolCall) {
	trustUsed := false
	for i, call := range calls {
		rec := domain.ToolCall{
			ID:        call.ID,
			Seq:       i,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
		if err := e.db.AppendToolCall(ctx, turnID, rec); err != nil {
			slog.Error("append tool call failed", "turn", turnID, "seq", i, "err", err)
			return
		}

		if registry.crossesTrustBoundary(call.Function.Name) {
			if trustUsed {
				e.completeCall(ctx, turnID, i, "", "trust-boundary action limit reached for this turn")
				continue
			}
			trustUsed = true
		}

		out := registry.dispatch(ctx, call.Function.Name, call.Function.Arguments)
		if out.err != nil {
			e.completeCall(ctx, turnID, i, "", redact.String(out.err.Error(), e.sensitive...))
			if out.fatal {
				slog.Warn("fatal tool failure, aborting remaining calls",
					"turn", turnID, "tool", call.Function.Name, "err", out.err)
				return
			}
			continue
		}
		e.completeCall(ctx, turnID, i, redact.String(out.result, e.sensitive...), "")
	}
}

func (e *Engine) completeCall(ctx context.Context, turnID string, seq int, result, errMsg string) {
	if err := e.db.CompleteToolCall(ctx, turnID, seq, result, errMsg); err != nil {
		slog.Error("complete tool call failed", "turn", turnID, "seq", seq, "err", err)
	}
}

// finishWithNote finalizes a turn that performed no inference with a
// synthetic assistant note explaining the constraint. The agent always
// produces a turn record per wake.
func (e *Engine) finishWithNote(ctx context.Context, turnID string, in pendingInput, note string) error {
	if err := e.db.FinishTurn(ctx, turnID, 0, 0, "", 0, note); err != nil {
		return err
	}
	if in.inboxID != "" {
		return e.db.MarkInboxProcessed(ctx, in.inboxID)
	}
	return nil
}

func (e *Engine) composeMessages(ctx context.Context, tier domain.Tier, in pendingInput) ([]router.Message, error) {
	turns, err := e.db.RecentTurns(ctx, defaultRecentTurns)
	if err != nil {
		return nil, err
	}

	if len(turns) > defaultFoldThreshold {
		half := len(turns) / 2
		e.foldHistory(ctx, tier, turns[:half])
		turns = turns[half:]
	}

	soul := ""
	if raw, err := os.ReadFile(filepath.Join(e.home, soulFile)); err == nil {
		soul = string(raw)
	}
	skills, err := e.db.EnabledAutoActivateSkills(ctx)
	if err != nil {
		return nil, err
	}
	children, err := e.db.ListChildren(ctx)
	if err != nil {
		return nil, err
	}

	system := composeSystemPrompt(promptInputs{
		genesis:  e.cfg.GenesisPrompt,
		soul:     soul,
		skills:   skills,
		tier:     tier,
		name:     e.cfg.Name,
		parent:   e.cfg.ParentAddress,
		children: len(children),
	})

	msgs := []router.Message{{Role: router.RoleSystem, Content: system}}
	e.mu.Lock()
	summary := e.summary
	e.mu.Unlock()
	if summary != "" {
		msgs = append(msgs, router.Message{
			Role:    router.RoleSystem,
			Content: "Summary of earlier activity:\n" + summary,
		})
	}
	msgs = append(msgs, expandTurns(turns)...)
	msgs = append(msgs, router.Message{Role: router.RoleUser, Content: in.message})
	return msgs, nil
}

// foldHistory condenses older turns into the rolling summary via the
// router's summarization task. Tiers whose matrix has no summarization cell
// (low_compute and below) fall through with the summary unchanged.
func (e *Engine) foldHistory(ctx context.Context, tier domain.Tier, older []domain.AgentTurn) {
	var b strings.Builder
	e.mu.Lock()
	if e.summary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(e.summary)
		b.WriteString("\n\n")
	}
	e.mu.Unlock()
	for _, t := range older {
		fmt.Fprintf(&b, "[%s] %s -> %s\n", t.Timestamp.UTC().Format(time.RFC3339), t.Input, t.Thinking)
	}

	result, err := e.rt.Dispatch(ctx, router.Request{
		TaskKind: domain.TaskSummarization,
		Tier:     tier,
		Messages: []router.Message{
			{Role: router.RoleSystem, Content: "Condense the following agent activity log into a short factual summary. Keep commitments, balances, and open tasks."},
			{Role: router.RoleUser, Content: b.String()},
		},
		SizeHint:    b.Len()/4 + 1,
		TierCeiling: survival.PerCallCeilingCents(tier),
	})
	if err != nil {
		slog.Warn("history fold skipped", "err", err)
		return
	}
	e.mu.Lock()
	e.summary = result.Message.Content
	e.mu.Unlock()
}
