package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/pkg/backlog"
)

// MemStore is an in-memory Store for unit tests. It holds a reference to a
// backlog.MemStore both to claim a ticket as Dispatch's first step and so
// terminal transitions can settle the owning ticket through the same call
// that updates the run, mirroring the single transaction PostgresStore uses
// for both writes.
type MemStore struct {
	mu       sync.Mutex
	backlog  *backlog.MemStore
	leaseTTL time.Duration
	runs     map[string]Run
	events   []RunEvent
}

// NewMemStore returns an empty in-memory supervisor store backed by
// backlogStore for ticket claim and settlement, using leaseTTL for the claim
// Dispatch performs.
func NewMemStore(backlogStore *backlog.MemStore, leaseTTL time.Duration) *MemStore {
	return &MemStore{
		backlog:  backlogStore,
		leaseTTL: leaseTTL,
		runs:     make(map[string]Run),
	}
}

// Dispatch claims ticketID through the backlog first; on a lost claim it
// returns (Run{}, false, nil) without creating a run, matching spec.md
// §4.2's "Step 1: call Backlog.claim(...). If null, return null."
func (s *MemStore) Dispatch(ctx context.Context, ticketID, owner, harness string, budget Budget) (Run, bool, error) {
	lease, ok, err := s.backlog.Claim(ctx, ticketID, owner, s.leaseTTL)
	if err != nil {
		return Run{}, false, err
	}
	if !ok {
		return Run{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run := Run{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		Harness:     harness,
		State:       StateClaimed,
		LeaseToken:  lease.Token,
		MaxMinutes:  budget.MaxMinutes,
		MaxTokens:   budget.MaxTokens,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	s.runs[run.ID] = run
	s.appendEvent(run.ID, ticketID, "run_claimed", map[string]any{"owner": owner, "harness": harness})
	return run, true, nil
}

func (s *MemStore) Monitor(_ context.Context, runID string, newState State, tokenDelta int, payload map[string]any) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return Run{}, false, nil
	}
	if !isAllowed(run.State, newState) {
		return Run{}, false, nil
	}

	fromState := run.State
	run.State = newState
	run.TokenCount += tokenDelta
	run.HeartbeatAt = time.Now().UTC()
	if IsTerminal(newState) {
		ended := run.HeartbeatAt
		run.EndedAt = &ended
	}
	s.runs[runID] = run

	eventPayload := map[string]any{"from": string(fromState), "to": string(newState)}
	for k, v := range payload {
		eventPayload[k] = v
	}
	s.appendEvent(runID, run.TicketID, "state_transition", eventPayload)

	if IsTerminal(newState) {
		switch newState {
		case StateSucceeded:
			s.backlog.SettleTerminal(run.TicketID, run.LeaseToken, backlog.StatusCompleted, "")
		default:
			s.backlog.SettleTerminal(run.TicketID, run.LeaseToken, backlog.StatusFailed, string(newState))
		}
	}

	return run, true, nil
}

func (s *MemStore) EnforceLimits(ctx context.Context, runID string, tokenCount *int) (Run, bool, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return Run{}, false, nil
	}

	runtimeExceeded := time.Now().UTC().After(run.StartedAt.Add(time.Duration(run.MaxMinutes) * time.Minute))
	tokenExceeded := tokenCount != nil && *tokenCount > run.MaxTokens

	if runtimeExceeded || tokenExceeded {
		reason := "max_tokens"
		if runtimeExceeded {
			reason = "max_minutes"
		}
		s.mu.Lock()
		run.ErrorMessage = strPtr(fmt.Sprintf("Budget exceeded: %s", reason))
		s.runs[runID] = run
		s.mu.Unlock()
		return s.Monitor(ctx, runID, StateTimedOut, 0, map[string]any{"reason": reason, "token_count": tokenCount})
	}

	if tokenCount != nil {
		s.mu.Lock()
		run.TokenCount = *tokenCount
		run.HeartbeatAt = time.Now().UTC()
		s.runs[runID] = run
		s.appendEvent(runID, run.TicketID, "budget_check", map[string]any{"token_count": *tokenCount})
		s.mu.Unlock()
	}
	return run, true, nil
}

func (s *MemStore) RecoverStale(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-heartbeatTimeout)

	s.mu.Lock()
	var staleIDs []string
	for id, run := range s.runs {
		scanned := run.State == StateClaimed || run.State == StateRunning || run.State == StateBlocked
		if scanned && run.HeartbeatAt.Before(cutoff) {
			staleIDs = append(staleIDs, id)
		}
	}
	s.mu.Unlock()

	var recovered []string
	for _, id := range staleIDs {
		_, ok, err := s.Monitor(ctx, id, StateTimedOut, 0, map[string]any{"reason": "stale_heartbeat"})
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, id)
		}
	}
	return recovered, nil
}

func (s *MemStore) Get(_ context.Context, runID string) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemStore) ListEvents(_ context.Context, runID string) ([]RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunEvent
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) appendEvent(runID, ticketID, eventType string, payload map[string]any) {
	b, _ := json.Marshal(payload)
	s.events = append(s.events, RunEvent{
		ID:        int64(len(s.events) + 1),
		RunID:     runID,
		TicketID:  ticketID,
		EventType: eventType,
		Payload:   b,
		CreatedAt: time.Now().UTC(),
	})
}

func strPtr(s string) *string { return &s }
