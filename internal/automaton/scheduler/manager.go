package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
)

// TaskResult is returned by a Task handler.
type TaskResult struct {
	ShouldWake bool
	Reason     string
}

// Task is a small heartbeat handler that may mutate state and optionally
// request an immediate turn.
type Task interface {
	Run(ctx context.Context) (TaskResult, error)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) (TaskResult, error)

func (f TaskFunc) Run(ctx context.Context) (TaskResult, error) { return f(ctx) }

// Entry is one registered heartbeat entry, mirroring heartbeat.yml.
type Entry struct {
	Name            string
	Schedule        string
	Task            Task
	Enabled         bool
	CriticalAllowed bool
}

// WakeEntry is one item in the bounded wake queue drained by the turn engine.
type WakeEntry struct {
	Reason string
	At     time.Time
}

const wakeQueueCapacity = 64

type jobState struct {
	entry            Entry
	schedule         *cronSchedule
	nextFire         time.Time
	consecutiveFails int
	degraded         bool
	intervalScale    int
}

// Manager owns the clock and fires registered tasks on cron schedules,
// serially per tick, throttled by the current tier.
type Manager struct {
	mu           sync.Mutex
	jobs         map[string]*jobState
	clk          clock
	tier         domain.Tier
	lowComputeN  int
	wakeQueue    []WakeEntry
}

// NewManager builds a Manager using the real wall clock.
func NewManager(lowComputeMultiplier int) *Manager {
	return NewManagerWithClock(realClock{}, lowComputeMultiplier)
}

// NewManagerWithClock builds a Manager over an injected clock, for testing.
// The manager runs at the normal tier until SetTier is called.
func NewManagerWithClock(clk clock, lowComputeMultiplier int) *Manager {
	if lowComputeMultiplier <= 0 {
		lowComputeMultiplier = 4
	}
	return &Manager{
		jobs:        map[string]*jobState{},
		clk:         clk,
		tier:        domain.TierNormal,
		lowComputeN: lowComputeMultiplier,
	}
}

// Register adds or replaces a heartbeat entry.
func (m *Manager) Register(e Entry) error {
	sched, err := parseCron(e.Schedule)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[e.Name] = &jobState{
		entry:         e,
		schedule:      sched,
		nextFire:      sched.Next(m.clk.Now()),
		intervalScale: 1,
	}
	return nil
}

// SetTier updates the tier used to throttle task execution.
func (m *Manager) SetTier(tier domain.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier = tier
}

// Tick evaluates every registered entry once, serially, firing any whose
// nextFire has passed, subject to tier throttling.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	now := m.clk.Now()
	tier := m.tier
	var due []*jobState
	for _, job := range m.jobs {
		if !job.entry.Enabled {
			continue
		}
		if now.Before(job.nextFire) {
			continue
		}
		due = append(due, job)
	}
	m.mu.Unlock()

	for _, job := range due {
		if !m.allowedAtTier(job, tier) {
			m.mu.Lock()
			job.nextFire = job.schedule.Next(now)
			m.mu.Unlock()
			continue
		}
		m.runJob(ctx, job, now)
	}
}

func (m *Manager) allowedAtTier(job *jobState, tier domain.Tier) bool {
	switch tier {
	case domain.TierDead:
		return job.entry.Name == "heartbeat_ping"
	case domain.TierCritical:
		return job.entry.CriticalAllowed || job.entry.Name == "heartbeat_ping"
	default:
		return true
	}
}

func (m *Manager) runJob(ctx context.Context, job *jobState, now time.Time) {
	result, err := job.entry.Task.Run(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		job.consecutiveFails++
		slog.Error("scheduler: task failed", "task", job.entry.Name, "err", err, "consecutive", job.consecutiveFails)
		if job.consecutiveFails >= 3 {
			// Doubled interval until one success; further failures do not
			// compound it.
			job.degraded = true
			job.intervalScale = 2
		}
	} else {
		job.consecutiveFails = 0
		if job.degraded {
			job.degraded = false
			job.intervalScale = 1
		}
		if result.ShouldWake {
			m.pushWake(result.Reason, now)
		}
	}

	base := job.schedule.Next(now)
	scale := job.intervalScale
	if m.tier == domain.TierLowCompute {
		scale *= m.lowComputeN
	}
	if scale > 1 {
		base = base.Add(time.Duration(scale-1) * base.Sub(now))
	}
	job.nextFire = base
}

// pushWake appends a wake entry, coalescing identical consecutive reasons.
func (m *Manager) pushWake(reason string, at time.Time) {
	if reason == "" {
		reason = "wake"
	}
	if len(m.wakeQueue) > 0 && m.wakeQueue[len(m.wakeQueue)-1].Reason == reason {
		return
	}
	m.wakeQueue = append(m.wakeQueue, WakeEntry{Reason: reason, At: at})
	if len(m.wakeQueue) > wakeQueueCapacity {
		m.wakeQueue = m.wakeQueue[len(m.wakeQueue)-wakeQueueCapacity:]
	}
}

// DrainWake removes and returns all queued wake entries.
func (m *Manager) DrainWake() []WakeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.wakeQueue) == 0 {
		return nil
	}
	out := m.wakeQueue
	m.wakeQueue = nil
	return out
}

// Run drives Tick on a one-minute cadence until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(time.Minute):
		}
	}
}
