// Package store provides the embedded SQLite-backed relational store that
// owns every entity in the system: turns, inbox messages, skills, the cost
// ledger, the model registry, children, and config. All access goes through
// this API. Apart from migrations, no method opens a transaction: a turn's
// tool-call rows, and an inbox row and its poll cursor, are written by
// separate calls, not inside one transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duskward/automaton/internal/automaton/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single shared mutable resource in the process. All state
// mutations go through it; callers never cache entity graphs across turns.
type Store struct {
	db *sql.DB

	// writerMu enforces the single-writer discipline described by the
	// concurrency model: at any instant either the turn worker or the
	// scheduler worker holds the writer, with priority to the turn worker.
	writerMu *priorityMutex
}

// New opens (creating if necessary) the SQLite database at path, applies
// PRAGMAs tuned for a single-process WAL-mode workload, and runs any
// pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -20000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, writerMu: newPriorityMutex()}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for direct queries that the store's API
// does not cover.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// AcquireWriter blocks until the caller may perform a write, biased toward
// the turn worker. release must be called when the write is complete.
func (s *Store) AcquireWriter(turnWorker bool) (release func()) {
	return s.writerMu.acquire(turnWorker)
}

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TEXT NOT NULL,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read current migration version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		version, description, err := parseMigrationName(e.Name())
		if err != nil {
			return fmt.Errorf("store: migration filename %q: %w", e.Name(), err)
		}
		if version <= current {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return fmt.Errorf("store: read migration %q: %w", e.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %q: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %q: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %q: %w", e.Name(), err)
		}
		slog.Info("applied migration", "version", version, "description", description)
	}
	return nil
}

func parseMigrationName(name string) (version int, description string, err error) {
	base := strings.TrimSuffix(name, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("expected NNN_description.sql")
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("version prefix: %w", err)
	}
	return v, parts[1], nil
}

// priorityMutex is a mutex where turn-worker acquisitions never wait behind
// a scheduler-worker acquisition that has not yet started.
type priorityMutex struct {
	mu       sync.Mutex
	turnWait chan struct{}
}

func newPriorityMutex() *priorityMutex {
	return &priorityMutex{turnWait: make(chan struct{}, 1)}
}

func (p *priorityMutex) acquire(turnWorker bool) func() {
	if turnWorker {
		select {
		case p.turnWait <- struct{}{}:
		default:
		}
		p.mu.Lock()
		select {
		case <-p.turnWait:
		default:
		}
		return p.mu.Unlock
	}
	// A scheduler acquisition that wins the lock while a turn-worker
	// acquisition is pending hands it back and tries again.
	for {
		p.mu.Lock()
		if len(p.turnWait) == 0 {
			return p.mu.Unlock
		}
		p.mu.Unlock()
		runtime.Gosched()
	}
}

// --- AgentTurn -------------------------------------------------------------

// BeginTurn inserts a new turn row in the building state and returns it.
func (s *Store) BeginTurn(ctx context.Context, id, inputSource, input string, now time.Time) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_turns (id, ts, state, input_source, input)
		VALUES (?, ?, ?, ?, ?)
	`, id, now.UTC().Format(time.RFC3339Nano), domain.TurnBuilding, inputSource, input)
	if err != nil {
		return fmt.Errorf("store: begin turn: %w", err)
	}
	return nil
}

// SetTurnState transitions a turn to a new state.
func (s *Store) SetTurnState(ctx context.Context, id string, state domain.TurnState) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `UPDATE agent_turns SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("store: set turn state: %w", err)
	}
	return nil
}

// AppendToolCall inserts the next tool call row for a turn inside the
// writer's transaction discipline.
func (s *Store) AppendToolCall(ctx context.Context, turnID string, call domain.ToolCall) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_tool_calls (turn_id, seq, id, name, arguments, result, error, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, turnID, call.Seq, call.ID, call.Name, call.Arguments,
		nullableString(call.Result), nullableString(call.Error), call.Completed)
	if err != nil {
		return fmt.Errorf("store: append tool call: %w", err)
	}
	return nil
}

// CompleteToolCall records the terminal result or error of a tool call.
func (s *Store) CompleteToolCall(ctx context.Context, turnID string, seq int, result, errMsg string) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		UPDATE turn_tool_calls SET result = ?, error = ?, completed = 1
		WHERE turn_id = ? AND seq = ?
	`, nullableString(result), nullableString(errMsg), turnID, seq)
	if err != nil {
		return fmt.Errorf("store: complete tool call: %w", err)
	}
	return nil
}

// FinishTurn finalizes a turn's usage and cost totals and marks it finalized.
func (s *Store) FinishTurn(ctx context.Context, id string, tokensIn, tokensOut int, modelID string, costHundredthCents int64, thinking string) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_turns
		SET state = ?, tokens_in = ?, tokens_out = ?, model_id = ?, cost_hundredth_cents = ?, thinking = ?
		WHERE id = ?
	`, domain.TurnFinalized, tokensIn, tokensOut, modelID, costHundredthCents, thinking, id)
	if err != nil {
		return fmt.Errorf("store: finish turn: %w", err)
	}
	return nil
}

// AbortUnfinishedTurns marks every turn not already finalized as aborted.
// Called once at startup to implement crash recovery.
func (s *Store) AbortUnfinishedTurns(ctx context.Context) (int64, error) {
	release := s.AcquireWriter(true)
	defer release()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_turns SET state = ? WHERE state != ?
	`, domain.TurnAborted, domain.TurnFinalized)
	if err != nil {
		return 0, fmt.Errorf("store: abort unfinished turns: %w", err)
	}
	return res.RowsAffected()
}

// RecentTurns returns the last n turns in ascending chronological order,
// along with their tool calls.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]domain.AgentTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, state, input_source, input, thinking, tokens_in, tokens_out, model_id, cost_hundredth_cents
		FROM agent_turns ORDER BY ts DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.AgentTurn
	for rows.Next() {
		var t domain.AgentTurn
		var ts string
		var state string
		if err := rows.Scan(&t.ID, &ts, &state, &t.InputSource, &t.Input, &t.Thinking,
			&t.TokensIn, &t.TokensOut, &t.ModelID, &t.CostHundredthCents); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		t.State = domain.TurnState(state)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range turns {
		calls, err := s.toolCallsForTurn(ctx, turns[i].ID)
		if err != nil {
			return nil, err
		}
		turns[i].ToolCalls = calls
	}

	// Reverse into ascending order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) toolCallsForTurn(ctx context.Context, turnID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, name, arguments, COALESCE(result, ''), COALESCE(error, ''), completed
		FROM turn_tool_calls WHERE turn_id = ? ORDER BY seq ASC
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("store: tool calls for turn: %w", err)
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var c domain.ToolCall
		if err := rows.Scan(&c.Seq, &c.ID, &c.Name, &c.Arguments, &c.Result, &c.Error, &c.Completed); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// --- InboxMessage -----------------------------------------------------------

// InsertInboxIfAbsent inserts the message keyed by its external id using
// insert-if-absent semantics, and reports whether a new row was inserted.
func (s *Store) InsertInboxIfAbsent(ctx context.Context, msg domain.InboxMessage) (inserted bool, err error) {
	release := s.AcquireWriter(false)
	defer release()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox_messages (id, source, sender, recipient, content, signed_at, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.Source, msg.From, msg.To, msg.Content,
		msg.SignedAt.UTC().Format(time.RFC3339Nano), msg.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("store: insert inbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextUnprocessedInbox returns the oldest unprocessed inbox message ordered
// by signedAt, then receivedAt, then id.
func (s *Store) NextUnprocessedInbox(ctx context.Context) (*domain.InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, sender, recipient, content, signed_at, received_at, processed
		FROM inbox_messages WHERE processed = 0
		ORDER BY signed_at ASC, received_at ASC, id ASC LIMIT 1
	`)
	var m domain.InboxMessage
	var signedAt, receivedAt string
	var processed int
	if err := row.Scan(&m.ID, &m.Source, &m.From, &m.To, &m.Content, &signedAt, &receivedAt, &processed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: next unprocessed inbox: %w", err)
	}
	m.SignedAt, _ = time.Parse(time.RFC3339Nano, signedAt)
	m.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	m.Processed = processed != 0
	return &m, nil
}

// MarkInboxProcessed flips processed false->true for the given id.
func (s *Store) MarkInboxProcessed(ctx context.Context, id string) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `UPDATE inbox_messages SET processed = 1 WHERE id = ? AND processed = 0`, id)
	if err != nil {
		return fmt.Errorf("store: mark inbox processed: %w", err)
	}
	return nil
}

// PollCursor returns the last stored cursor for a source, or "" if unset.
func (s *Store) PollCursor(ctx context.Context, source string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM poll_cursors WHERE source = ?`, source).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: poll cursor: %w", err)
	}
	return cursor, nil
}

// SetPollCursor upserts the cursor for a source.
func (s *Store) SetPollCursor(ctx context.Context, source, cursor string) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_cursors (source, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, source, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: set poll cursor: %w", err)
	}
	return nil
}

// --- CostLedger --------------------------------------------------------------

// AppendLedgerEntry records an append-only cost ledger row.
func (s *Store) AppendLedgerEntry(ctx context.Context, e domain.CostLedgerEntry) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (ts, model_id, task_kind, tokens_in, tokens_out, cost_hundredth_cents, tier)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ModelID, string(e.TaskKind),
		e.TokensIn, e.TokensOut, e.CostHundredthCents, e.Tier.String())
	if err != nil {
		return fmt.Errorf("store: append ledger entry: %w", err)
	}
	return nil
}

// HourlySpendCents sums the cost ledger over the rolling 60-minute window
// ending at now.
func (s *Store) HourlySpendCents(ctx context.Context, now time.Time) (int64, error) {
	since := now.Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost_hundredth_cents) FROM cost_ledger WHERE ts >= ?
	`, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("store: hourly spend: %w", err)
	}
	return sum.Int64, nil
}

// --- ModelRegistry -----------------------------------------------------------

// UpsertModel inserts or overwrites a model registry row.
func (s *Store) UpsertModel(ctx context.Context, m domain.ModelRegistryRow) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_registry (model_id, provider, tier_minimum, cost_per_1k_input, cost_per_1k_output,
			max_tokens, context_window, supports_tools, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			provider = excluded.provider, tier_minimum = excluded.tier_minimum,
			cost_per_1k_input = excluded.cost_per_1k_input, cost_per_1k_output = excluded.cost_per_1k_output,
			max_tokens = excluded.max_tokens, context_window = excluded.context_window,
			supports_tools = excluded.supports_tools, enabled = excluded.enabled
	`, m.ModelID, m.Provider, tierName(m.TierMinimum), m.CostPer1kInput, m.CostPer1kOutput,
		m.MaxTokens, m.ContextWindow, m.SupportsTools, m.Enabled)
	if err != nil {
		return fmt.Errorf("store: upsert model: %w", err)
	}
	return nil
}

// ListModels returns every registry row, enabled or not.
func (s *Store) ListModels(ctx context.Context) ([]domain.ModelRegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, provider, tier_minimum, cost_per_1k_input, cost_per_1k_output,
			max_tokens, context_window, supports_tools, enabled
		FROM model_registry
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	defer rows.Close()

	var out []domain.ModelRegistryRow
	for rows.Next() {
		var m domain.ModelRegistryRow
		var tier string
		if err := rows.Scan(&m.ModelID, &m.Provider, &tier, &m.CostPer1kInput, &m.CostPer1kOutput,
			&m.MaxTokens, &m.ContextWindow, &m.SupportsTools, &m.Enabled); err != nil {
			return nil, err
		}
		m.TierMinimum = parseTier(tier)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchModelLastSeen updates a model's lastSeen timestamp after a successful call.
func (s *Store) TouchModelLastSeen(ctx context.Context, modelID string, now time.Time) error {
	release := s.AcquireWriter(true)
	defer release()
	_, err := s.db.ExecContext(ctx, `UPDATE model_registry SET last_seen = ? WHERE model_id = ?`,
		now.UTC().Format(time.RFC3339Nano), modelID)
	if err != nil {
		return fmt.Errorf("store: touch model last seen: %w", err)
	}
	return nil
}

func tierName(t domain.Tier) string { return t.String() }

func parseTier(s string) domain.Tier {
	switch s {
	case "high":
		return domain.TierHigh
	case "normal":
		return domain.TierNormal
	case "low_compute":
		return domain.TierLowCompute
	case "critical":
		return domain.TierCritical
	default:
		return domain.TierDead
	}
}

// --- Skills ------------------------------------------------------------------

// UpsertSkill persists a loaded or agent-authored skill. sk.Enabled and
// sk.InstalledAt are written only when the row is first inserted; on a
// reload the stored enabled flag and install time are kept.
func (s *Store) UpsertSkill(ctx context.Context, sk domain.Skill) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (name, description, instructions, auto_activate, enabled, requires_bins, requires_env, source, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description, instructions = excluded.instructions,
			auto_activate = excluded.auto_activate, requires_bins = excluded.requires_bins,
			requires_env = excluded.requires_env, source = excluded.source
	`, sk.Name, sk.Description, sk.Instructions, sk.AutoActivate, sk.Enabled,
		strings.Join(sk.Requires.Bins, ","), strings.Join(sk.Requires.Env, ","),
		sk.Source, sk.InstalledAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: upsert skill: %w", err)
	}
	return nil
}

// EnabledAutoActivateSkills returns skills eligible for system-prompt injection.
func (s *Store) EnabledAutoActivateSkills(ctx context.Context) ([]domain.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, instructions, auto_activate, enabled, requires_bins, requires_env, source, installed_at
		FROM skills WHERE enabled = 1 AND auto_activate = 1 ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: enabled skills: %w", err)
	}
	defer rows.Close()

	var out []domain.Skill
	for rows.Next() {
		var sk domain.Skill
		var bins, envs, installedAt string
		if err := rows.Scan(&sk.Name, &sk.Description, &sk.Instructions, &sk.AutoActivate, &sk.Enabled,
			&bins, &envs, &sk.Source, &installedAt); err != nil {
			return nil, err
		}
		if bins != "" {
			sk.Requires.Bins = strings.Split(bins, ",")
		}
		if envs != "" {
			sk.Requires.Env = strings.Split(envs, ",")
		}
		sk.InstalledAt, _ = time.Parse(time.RFC3339Nano, installedAt)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// --- Config --------------------------------------------------------------

// SaveConfig upserts the single active config row.
func (s *Store) SaveConfig(ctx context.Context, c domain.Config) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (id, name, creator_address, parent_address, genesis_prompt,
			per_call_ceiling_cents, hourly_budget_cents, enable_model_fallback,
			low_compute_multiplier, heartbeat_path, db_path, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, creator_address = excluded.creator_address,
			parent_address = excluded.parent_address, genesis_prompt = excluded.genesis_prompt,
			per_call_ceiling_cents = excluded.per_call_ceiling_cents,
			hourly_budget_cents = excluded.hourly_budget_cents,
			enable_model_fallback = excluded.enable_model_fallback,
			low_compute_multiplier = excluded.low_compute_multiplier,
			heartbeat_path = excluded.heartbeat_path, db_path = excluded.db_path,
			updated_at = excluded.updated_at
	`, c.Name, c.CreatorAddress, nullableString(c.ParentAddress), c.GenesisPrompt,
		c.PerCallCeilingCents, c.HourlyBudgetCents, c.EnableModelFallback,
		c.LowComputeMultiplier, c.HeartbeatPath, c.DBPath, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save config: %w", err)
	}
	return nil
}

// LoadConfig reads the single active config row, if any.
func (s *Store) LoadConfig(ctx context.Context) (*domain.Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, creator_address, COALESCE(parent_address, ''), genesis_prompt,
			per_call_ceiling_cents, hourly_budget_cents, enable_model_fallback,
			low_compute_multiplier, heartbeat_path, db_path
		FROM config WHERE id = 1
	`)
	var c domain.Config
	if err := row.Scan(&c.Name, &c.CreatorAddress, &c.ParentAddress, &c.GenesisPrompt,
		&c.PerCallCeilingCents, &c.HourlyBudgetCents, &c.EnableModelFallback,
		&c.LowComputeMultiplier, &c.HeartbeatPath, &c.DBPath); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load config: %w", err)
	}
	return &c, nil
}

// --- ChildAutomaton --------------------------------------------------------

// InsertChild records a newly spawned child automaton.
func (s *Store) InsertChild(ctx context.Context, c domain.ChildAutomaton) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO child_automatons (id, name, sandbox_id, address, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.SandboxID, c.Address, c.Status, c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert child: %w", err)
	}
	return nil
}

// childStatusRank orders statuses so transitions can be checked as
// monotonic toward dead (unknown is transient and excluded from the order).
var childStatusRank = map[domain.ChildStatus]int{
	domain.ChildRunning:  0,
	domain.ChildSleeping: 1,
	domain.ChildDead:     2,
}

// UpdateChildStatus transitions a child's status, refusing to move backward
// except into or out of the transient unknown state.
func (s *Store) UpdateChildStatus(ctx context.Context, id string, status domain.ChildStatus) error {
	release := s.AcquireWriter(false)
	defer release()

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM child_automatons WHERE id = ?`, id).Scan(&current); err != nil {
		return fmt.Errorf("store: update child status: %w", err)
	}
	currentStatus := domain.ChildStatus(current)
	if currentStatus != domain.ChildUnknown && status != domain.ChildUnknown {
		if childStatusRank[status] < childStatusRank[currentStatus] {
			return fmt.Errorf("store: child status regression %s -> %s", currentStatus, status)
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE child_automatons SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("store: update child status: %w", err)
	}
	return nil
}

// ListChildren returns every known child automaton.
func (s *Store) ListChildren(ctx context.Context) ([]domain.ChildAutomaton, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sandbox_id, address, status, created_at FROM child_automatons ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list children: %w", err)
	}
	defer rows.Close()

	var out []domain.ChildAutomaton
	for rows.Next() {
		var c domain.ChildAutomaton
		var status, createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.SandboxID, &c.Address, &status, &createdAt); err != nil {
			return nil, err
		}
		c.Status = domain.ChildStatus(status)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- tier history ------------------------------------------------------------

// RecordTierTransition appends a tier-history row, persisting and
// broadcasting-via-store the survival controller's latest evaluation.
func (s *Store) RecordTierTransition(ctx context.Context, now time.Time, tier domain.Tier, liquidCents, hourlySpendCents int64) error {
	release := s.AcquireWriter(false)
	defer release()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_history (ts, tier, liquid_cents, hourly_spend_cents) VALUES (?, ?, ?, ?)
	`, now.UTC().Format(time.RFC3339Nano), tier.String(), liquidCents, hourlySpendCents)
	if err != nil {
		return fmt.Errorf("store: record tier transition: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
