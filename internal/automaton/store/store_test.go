package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "automaton-test-*.db")
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

func TestInboxDedupScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := domain.InboxMessage{
		ID:         "msg-1",
		Source:     "social",
		Content:    "Hello!",
		SignedAt:   time.Now(),
		ReceivedAt: time.Now(),
	}

	inserted, err := s.InsertInboxIfAbsent(ctx, msg)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatalf("first poll: expected shouldWake=true (inserted)")
	}

	inserted, err = s.InsertInboxIfAbsent(ctx, msg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("second poll: expected shouldWake=false (already present)")
	}

	next, err := s.NextUnprocessedInbox(ctx)
	if err != nil {
		t.Fatalf("next unprocessed: %v", err)
	}
	if next == nil || next.ID != "msg-1" {
		t.Fatalf("expected exactly one unprocessed row with id msg-1, got %+v", next)
	}
}

func TestTurnAtomicityCrashRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BeginTurn(ctx, "turn-1", "wake", "do the thing", time.Now()); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if err := s.SetTurnState(ctx, "turn-1", domain.TurnDispatchingTools); err != nil {
		t.Fatalf("set turn state: %v", err)
	}
	if err := s.BeginTurn(ctx, "turn-2", "wake", "finished thing", time.Now()); err != nil {
		t.Fatalf("begin turn 2: %v", err)
	}
	if err := s.FinishTurn(ctx, "turn-2", 10, 5, "model-a", 42, ""); err != nil {
		t.Fatalf("finish turn 2: %v", err)
	}

	n, err := s.AbortUnfinishedTurns(ctx)
	if err != nil {
		t.Fatalf("abort unfinished: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 aborted turn, got %d", n)
	}

	turns, err := s.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	byID := map[string]domain.AgentTurn{}
	for _, tu := range turns {
		byID[tu.ID] = tu
	}
	if byID["turn-1"].State != domain.TurnAborted {
		t.Fatalf("turn-1 state = %s, want aborted", byID["turn-1"].State)
	}
	if byID["turn-2"].State != domain.TurnFinalized {
		t.Fatalf("turn-2 state = %s, want finalized", byID["turn-2"].State)
	}
}

func TestChildStatusMonotonicTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	child := domain.ChildAutomaton{
		ID: "child-1", Name: "helper", SandboxID: "sb-1", Address: "0xabc",
		Status: domain.ChildRunning, CreatedAt: time.Now(),
	}
	if err := s.InsertChild(ctx, child); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	if err := s.UpdateChildStatus(ctx, "child-1", domain.ChildSleeping); err != nil {
		t.Fatalf("transition to sleeping: %v", err)
	}
	if err := s.UpdateChildStatus(ctx, "child-1", domain.ChildRunning); err == nil {
		t.Fatalf("expected regression from sleeping to running to be rejected")
	}
	if err := s.UpdateChildStatus(ctx, "child-1", domain.ChildDead); err != nil {
		t.Fatalf("transition to dead: %v", err)
	}
}
