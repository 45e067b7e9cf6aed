// Package heartbeat implements the five built-in scheduler tasks:
// heartbeat_ping, check_credits, check_usdc_balance, check_social_inbox,
// and health_check. Each is a small scheduler.Task handler that mutates the
// store and optionally requests a wake.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/providers"
	"github.com/duskward/automaton/internal/automaton/scheduler"
	"github.com/duskward/automaton/internal/automaton/store"
	"github.com/duskward/automaton/internal/automaton/survival"
)

// CreditsSource reports the platform-credit balance in hundredth-cents.
// The payment protocol behind it is the caller's concern; this is the only
// seam the core needs.
type CreditsSource interface {
	PlatformCreditsCents(ctx context.Context) (int64, error)
}

// USDCSource reports on-chain stablecoin balance in hundredth-cents.
type USDCSource interface {
	USDCBalanceCents(ctx context.Context) (int64, error)
}

// Tasks bundles the collaborators the five built-in heartbeat tasks need.
type Tasks struct {
	DB         *store.Store
	Survival   *survival.Controller
	Social     providers.Social
	Sandbox    providers.Sandbox
	Credits    CreditsSource
	USDC       USDCSource
	SocialName string // source label recorded on inbox rows, e.g. "matrix"
}

// Register wires all five built-in tasks onto mgr using the entries decoded
// from heartbeat.yml, matching each entry's Task field to its handler.
func (t *Tasks) Register(mgr *scheduler.Manager, entries []HeartbeatEntryLike) error {
	handlers := map[string]scheduler.Task{
		"heartbeat_ping":     scheduler.TaskFunc(t.Ping),
		"check_credits":      scheduler.TaskFunc(t.CheckCredits),
		"check_usdc_balance": scheduler.TaskFunc(t.CheckUSDCBalance),
		"check_social_inbox": scheduler.TaskFunc(t.CheckSocialInbox),
		"health_check":       scheduler.TaskFunc(t.HealthCheck),
	}
	criticalAllowed := map[string]bool{
		"heartbeat_ping": true,
		"check_credits":  true,
	}

	for _, e := range entries {
		handler, ok := handlers[e.Task]
		if !ok {
			return fmt.Errorf("heartbeat: unknown task %q for entry %q", e.Task, e.Name)
		}
		if err := mgr.Register(scheduler.Entry{
			Name:            e.Name,
			Schedule:        e.Schedule,
			Task:            handler,
			Enabled:         e.Enabled,
			CriticalAllowed: criticalAllowed[e.Task],
		}); err != nil {
			return fmt.Errorf("heartbeat: register %q: %w", e.Name, err)
		}
	}
	return nil
}

// HeartbeatEntryLike is the subset of config.HeartbeatEntry this package
// needs, kept local to avoid an import cycle between config and heartbeat.
type HeartbeatEntryLike struct {
	Name     string
	Schedule string
	Task     string
	Enabled  bool
}

// Ping writes a liveness record and never wakes the turn engine.
func (t *Tasks) Ping(ctx context.Context) (scheduler.TaskResult, error) {
	if err := t.DB.RecordTierTransition(ctx, time.Now(), t.Survival.Current(), 0, 0); err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("heartbeat_ping: %w", err)
	}
	return scheduler.TaskResult{}, nil
}

// CheckCredits refreshes liquidCents from the platform-credits source,
// re-evaluates the survival tier, and wakes the turn engine iff the
// re-evaluation crossed into low_compute or critical.
func (t *Tasks) CheckCredits(ctx context.Context) (scheduler.TaskResult, error) {
	if t.Credits == nil {
		return scheduler.TaskResult{}, nil
	}
	before := t.Survival.Current()

	credits, err := t.Credits.PlatformCreditsCents(ctx)
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_credits: %w", err)
	}

	hourly, err := t.DB.HourlySpendCents(ctx, time.Now())
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_credits: hourly spend: %w", err)
	}

	eval := t.Survival.Evaluate(credits, hourly)
	if err := t.DB.RecordTierTransition(ctx, time.Now(), eval.Tier, eval.Liquid, eval.Hourly); err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_credits: record transition: %w", err)
	}

	crossedDown := eval.Changed && before > eval.Tier && eval.Tier <= domain.TierLowCompute && eval.Tier >= domain.TierCritical
	return scheduler.TaskResult{
		ShouldWake: crossedDown,
		Reason:     fmt.Sprintf("tier changed to %s", eval.Tier),
	}, nil
}

// CheckUSDCBalance is additive to check_credits: it folds on-chain
// stablecoin balance into the same tier re-evaluation.
func (t *Tasks) CheckUSDCBalance(ctx context.Context) (scheduler.TaskResult, error) {
	if t.USDC == nil {
		return scheduler.TaskResult{}, nil
	}
	before := t.Survival.Current()

	usdc, err := t.USDC.USDCBalanceCents(ctx)
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_usdc_balance: %w", err)
	}

	var credits int64
	if t.Credits != nil {
		credits, _ = t.Credits.PlatformCreditsCents(ctx)
	}

	hourly, err := t.DB.HourlySpendCents(ctx, time.Now())
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_usdc_balance: hourly spend: %w", err)
	}

	eval := t.Survival.Evaluate(credits+usdc, hourly)
	if err := t.DB.RecordTierTransition(ctx, time.Now(), eval.Tier, eval.Liquid, eval.Hourly); err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_usdc_balance: record transition: %w", err)
	}

	crossedDown := eval.Changed && before > eval.Tier && eval.Tier <= domain.TierLowCompute && eval.Tier >= domain.TierCritical
	return scheduler.TaskResult{
		ShouldWake: crossedDown,
		Reason:     fmt.Sprintf("tier changed to %s", eval.Tier),
	}, nil
}

// CheckSocialInbox polls the Social provider from the last successful
// cursor, inserts every message with insert-if-absent semantics keyed by
// its external id, and wakes iff at least one row was newly inserted.
func (t *Tasks) CheckSocialInbox(ctx context.Context) (scheduler.TaskResult, error) {
	if t.Social == nil {
		return scheduler.TaskResult{}, nil
	}
	source := t.SocialName
	if source == "" {
		source = "social"
	}

	cursor, err := t.DB.PollCursor(ctx, source)
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_social_inbox: cursor: %w", err)
	}

	result, err := t.Social.Poll(ctx, cursor)
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("check_social_inbox: poll: %w", err)
	}

	wake := false
	now := time.Now()
	for _, m := range result.Messages {
		signedAt, parseErr := time.Parse(time.RFC3339Nano, m.SignedAt)
		if parseErr != nil {
			signedAt = now
		}
		inserted, err := t.DB.InsertInboxIfAbsent(ctx, domain.InboxMessage{
			ID:         m.ID,
			Source:     source,
			From:       m.From,
			To:         m.To,
			Content:    m.Content,
			SignedAt:   signedAt,
			ReceivedAt: now,
		})
		if err != nil {
			return scheduler.TaskResult{}, fmt.Errorf("check_social_inbox: insert %q: %w", m.ID, err)
		}
		if inserted {
			wake = true
		}
	}

	if result.NextCursor != "" {
		if err := t.DB.SetPollCursor(ctx, source, result.NextCursor); err != nil {
			return scheduler.TaskResult{}, fmt.Errorf("check_social_inbox: set cursor: %w", err)
		}
	}

	return scheduler.TaskResult{ShouldWake: wake, Reason: "inbox"}, nil
}

// HealthCheck verifies sandbox connectivity and disk headroom. It never
// wakes the turn engine.
func (t *Tasks) HealthCheck(ctx context.Context) (scheduler.TaskResult, error) {
	if t.Sandbox == nil {
		return scheduler.TaskResult{}, nil
	}
	result, err := t.Sandbox.Exec(ctx, []string{"df", "-Pk", "."}, 5_000)
	if err != nil {
		return scheduler.TaskResult{}, fmt.Errorf("health_check: sandbox exec: %w", err)
	}
	if result.ExitCode != 0 {
		return scheduler.TaskResult{}, fmt.Errorf("health_check: df exited %d: %s", result.ExitCode, result.Stderr)
	}
	return scheduler.TaskResult{}, nil
}
