package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/nightowl/pkg/backlog"
)

func newTestStores(t *testing.T) (*backlog.MemStore, *MemStore) {
	t.Helper()
	bl := backlog.NewMemStore()
	sv := NewMemStore(bl, time.Hour)
	return bl, sv
}

func createReadyTicket(t *testing.T, bl *backlog.MemStore, id string) {
	t.Helper()
	if _, err := bl.Create(context.Background(), backlog.NewTicketInput{ID: id, IdempotencyKey: id}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
}

func TestDispatchClaimsTicketAndCreatesClaimedRun(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-1")

	run, ok, err := sv.Dispatch(ctx, "ENG-1", "dispatcher", "codex", Budget{MaxMinutes: 45, MaxTokens: 120000})
	if err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	if run.State != StateClaimed {
		t.Fatalf("expected new run to be CLAIMED, got %v", run.State)
	}

	ticket, found, _ := bl.Get(ctx, "ENG-1")
	if !found || ticket.Status != backlog.StatusClaimed {
		t.Fatalf("expected ticket to be CLAIMED after dispatch, got %v", ticket.Status)
	}
	if ticket.LeaseToken == nil || *ticket.LeaseToken != run.LeaseToken {
		t.Fatalf("expected run's lease_token to match the ticket's current lease_token")
	}

	events, err := sv.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "run_claimed" {
		t.Fatalf("expected a single run_claimed event, got %v", events)
	}
}

func TestDispatchReturnsFalseWhenTicketIsNotClaimable(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-8")

	// Another dispatcher already holds the lease.
	if _, ok, err := bl.Claim(ctx, "ENG-8", "rival", time.Hour); err != nil || !ok {
		t.Fatalf("rival claim: ok=%v err=%v", ok, err)
	}

	run, ok, err := sv.Dispatch(ctx, "ENG-8", "dispatcher", "codex", Budget{MaxMinutes: 45, MaxTokens: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected dispatch to lose the race on an already-claimed ticket")
	}
	if run != (Run{}) {
		t.Fatalf("expected a zero-value run on a lost claim, got %+v", run)
	}

	sv.mu.Lock()
	numEvents := len(sv.events)
	numRuns := len(sv.runs)
	sv.mu.Unlock()
	if numEvents != 0 || numRuns != 0 {
		t.Fatalf("expected no run or event to be written on a lost claim, runs=%d events=%d", numRuns, numEvents)
	}
}

func TestDispatchReturnsFalseForMissingTicket(t *testing.T) {
	_, sv := newTestStores(t)
	ctx := context.Background()

	_, ok, err := sv.Dispatch(ctx, "does-not-exist", "dispatcher", "codex", Budget{MaxMinutes: 45, MaxTokens: 1000})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected dispatch against a missing ticket to fail")
	}
}

func dispatchOrFail(t *testing.T, sv *MemStore, ticketID string, budget Budget) Run {
	t.Helper()
	run, ok, err := sv.Dispatch(context.Background(), ticketID, "dispatcher", "codex", budget)
	if err != nil || !ok {
		t.Fatalf("dispatch %s: ok=%v err=%v", ticketID, ok, err)
	}
	return run
}

func TestInvalidTransitionIsRejectedWithoutMutation(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-2")
	run := dispatchOrFail(t, sv, "ENG-2", Budget{MaxMinutes: 45, MaxTokens: 1000})

	// CLAIMED -> SUCCEEDED is not in the allowed-transitions table.
	_, ok, err := sv.Monitor(ctx, run.ID, StateSucceeded, 0, nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if ok {
		t.Fatalf("expected CLAIMED -> SUCCEEDED to be rejected")
	}

	got, found, _ := sv.Get(ctx, run.ID)
	if !found || got.State != StateClaimed {
		t.Fatalf("expected run to remain CLAIMED, got %v", got.State)
	}
}

func TestSuccessfulRunSettlesTicketToCompleted(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-3")
	run := dispatchOrFail(t, sv, "ENG-3", Budget{MaxMinutes: 45, MaxTokens: 1000})

	if _, ok, err := sv.Monitor(ctx, run.ID, StateRunning, 0, nil); err != nil || !ok {
		t.Fatalf("transition to RUNNING: ok=%v err=%v", ok, err)
	}
	final, ok, err := sv.Monitor(ctx, run.ID, StateSucceeded, 500, nil)
	if err != nil || !ok {
		t.Fatalf("transition to SUCCEEDED: ok=%v err=%v", ok, err)
	}
	if final.EndedAt == nil {
		t.Fatalf("expected ended_at to be set on terminal transition")
	}

	ticket, found, _ := bl.Get(ctx, "ENG-3")
	if !found || ticket.Status != backlog.StatusCompleted {
		t.Fatalf("expected ticket to settle to COMPLETED, got %v", ticket.Status)
	}
	if ticket.LeaseToken != nil {
		t.Fatalf("expected ticket lease to be cleared after settlement")
	}
}

func TestFailedRunSettlesTicketToFailedAndIncrementsAttempts(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-4")
	run := dispatchOrFail(t, sv, "ENG-4", Budget{MaxMinutes: 45, MaxTokens: 1000})

	if _, ok, err := sv.Monitor(ctx, run.ID, StateRunning, 0, nil); err != nil || !ok {
		t.Fatalf("transition to RUNNING: ok=%v err=%v", ok, err)
	}
	if _, ok, err := sv.Monitor(ctx, run.ID, StateFailed, 0, map[string]any{"reason": "agent_crash"}); err != nil || !ok {
		t.Fatalf("transition to FAILED: ok=%v err=%v", ok, err)
	}

	ticket, found, _ := bl.Get(ctx, "ENG-4")
	if !found || ticket.Status != backlog.StatusFailed {
		t.Fatalf("expected ticket to settle to FAILED, got %v", ticket.Status)
	}
	if ticket.Attempts != 1 {
		t.Fatalf("expected attempts=1 after a failed run, got %d", ticket.Attempts)
	}
}

func TestEnforceLimitsTimesOutOnMaxMinutes(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-5")

	run := dispatchOrFail(t, sv, "ENG-5", Budget{MaxMinutes: 0, MaxTokens: 1000})
	sv.mu.Lock()
	run.StartedAt = time.Now().UTC().Add(-time.Minute)
	sv.runs[run.ID] = run
	sv.mu.Unlock()

	got, found, err := sv.EnforceLimits(ctx, run.ID, nil)
	if err != nil {
		t.Fatalf("enforce limits: %v", err)
	}
	if !found || got.State != StateTimedOut {
		t.Fatalf("expected run to time out on max_minutes, got %v (found=%v)", got.State, found)
	}
}

func TestEnforceLimitsTimesOutOnMaxTokens(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-6")
	run := dispatchOrFail(t, sv, "ENG-6", Budget{MaxMinutes: 45, MaxTokens: 100})

	tokens := 500
	got, found, err := sv.EnforceLimits(ctx, run.ID, &tokens)
	if err != nil {
		t.Fatalf("enforce limits: %v", err)
	}
	if !found || got.State != StateTimedOut {
		t.Fatalf("expected run to time out on max_tokens, got %v (found=%v)", got.State, found)
	}
}

func TestRecoverStaleTimesOutRunsWithOldHeartbeats(t *testing.T) {
	bl, sv := newTestStores(t)
	ctx := context.Background()
	createReadyTicket(t, bl, "ENG-7")
	run := dispatchOrFail(t, sv, "ENG-7", Budget{MaxMinutes: 45, MaxTokens: 1000})

	sv.mu.Lock()
	stale := sv.runs[run.ID]
	stale.HeartbeatAt = time.Now().UTC().Add(-time.Hour)
	sv.runs[run.ID] = stale
	sv.mu.Unlock()

	recovered, err := sv.RecoverStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != run.ID {
		t.Fatalf("expected run %s to be recovered, got %v", run.ID, recovered)
	}

	got, _, _ := sv.Get(ctx, run.ID)
	if got.State != StateTimedOut {
		t.Fatalf("expected recovered run to be TIMED_OUT, got %v", got.State)
	}
}
