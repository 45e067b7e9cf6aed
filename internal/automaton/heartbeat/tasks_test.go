package heartbeat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/duskward/automaton/internal/automaton/domain"
	"github.com/duskward/automaton/internal/automaton/providers"
	"github.com/duskward/automaton/internal/automaton/store"
	"github.com/duskward/automaton/internal/automaton/survival"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "heartbeat-test-*.db")
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

type fakeSocial struct {
	polls   []providers.PollResult
	cursors []string
}

func (f *fakeSocial) Poll(_ context.Context, cursor string) (providers.PollResult, error) {
	f.cursors = append(f.cursors, cursor)
	if len(f.polls) == 0 {
		return providers.PollResult{}, nil
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	return next, nil
}

func (f *fakeSocial) Send(context.Context, string, string) (string, error) { return "", nil }

func TestCheckSocialInboxDedupAcrossPolls(t *testing.T) {
	db := newTestStore(t)
	msg := providers.SocialMessage{
		ID: "msg-1", From: "@alice:example.org", Content: "Hello!",
		SignedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	social := &fakeSocial{polls: []providers.PollResult{
		{Messages: []providers.SocialMessage{msg}, NextCursor: "c1"},
		{Messages: []providers.SocialMessage{msg}, NextCursor: "c2"},
	}}
	tasks := &Tasks{DB: db, Survival: survival.New(), Social: social, SocialName: "matrix"}

	ctx := context.Background()
	first, err := tasks.CheckSocialInbox(ctx)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if !first.ShouldWake {
		t.Fatalf("first poll: ShouldWake = false, want true")
	}

	second, err := tasks.CheckSocialInbox(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second.ShouldWake {
		t.Fatalf("second poll: ShouldWake = true, want false (duplicate id)")
	}

	// Exactly one unprocessed row, and the cursor advanced per poll.
	row, err := db.NextUnprocessedInbox(ctx)
	if err != nil {
		t.Fatalf("next unprocessed: %v", err)
	}
	if row == nil || row.ID != "msg-1" {
		t.Fatalf("inbox row = %+v, want exactly one with id msg-1", row)
	}
	if err := db.MarkInboxProcessed(ctx, row.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if again, _ := db.NextUnprocessedInbox(ctx); again != nil {
		t.Fatalf("expected no further unprocessed rows, got %+v", again)
	}

	if len(social.cursors) != 2 || social.cursors[0] != "" || social.cursors[1] != "c1" {
		t.Fatalf("cursors seen by provider = %v, want [\"\", \"c1\"]", social.cursors)
	}
}

type staticCredits struct{ cents int64 }

func (s *staticCredits) PlatformCreditsCents(context.Context) (int64, error) {
	return s.cents, nil
}

func TestCheckCreditsWakesOnDownwardCrossing(t *testing.T) {
	db := newTestStore(t)
	surv := survival.New()
	// Walk the controller up to normal first (hysteresis needs two
	// consecutive evaluations above the threshold).
	surv.Evaluate(600, 0)
	surv.Evaluate(600, 0)
	if surv.Current() != domain.TierNormal {
		t.Fatalf("setup: tier = %s, want normal", surv.Current())
	}

	credits := &staticCredits{cents: 150}
	tasks := &Tasks{DB: db, Survival: surv, Credits: credits}

	res, err := tasks.CheckCredits(context.Background())
	if err != nil {
		t.Fatalf("check credits: %v", err)
	}
	if !res.ShouldWake {
		t.Fatalf("crossing into low_compute must wake the turn engine")
	}
	if surv.Current() != domain.TierLowCompute {
		t.Fatalf("tier = %s, want low_compute", surv.Current())
	}

	// A steady balance does not wake again.
	res, err = tasks.CheckCredits(context.Background())
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if res.ShouldWake {
		t.Fatalf("unchanged tier must not wake")
	}
}
