package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/nightowl/internal/db"
	"github.com/wisbric/nightowl/internal/errs"
	"github.com/wisbric/nightowl/pkg/backlog"
)

// PostgresStore implements Store against the runs and run_events tables.
type PostgresStore struct {
	pool     db.Beginner
	backlog  backlog.Store
	leaseTTL time.Duration
}

// NewPostgresStore wraps a pgxpool.Pool (or anything satisfying db.Beginner).
// backlogStore is consulted by Dispatch to perform spec.md §4.2 step 1 (claim
// the ticket) before a run is ever created; leaseTTL is the ttl passed to
// that claim.
func NewPostgresStore(pool db.Beginner, backlogStore backlog.Store, leaseTTL time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, backlog: backlogStore, leaseTTL: leaseTTL}
}

// Dispatch claims ticketID through the backlog first; on a lost claim it
// returns (Run{}, false, nil) without touching the runs table, matching
// spec.md §4.2's "Step 1: call Backlog.claim(...). If null, return null."
// The claim and the run/event insert are deliberately two transactions: if
// the latter fails the lease is left to expire and be reclaimed, per the
// spec's design rationale for Dispatch.
func (s *PostgresStore) Dispatch(ctx context.Context, ticketID, owner, harness string, budget Budget) (Run, bool, error) {
	lease, ok, err := s.backlog.Claim(ctx, ticketID, owner, s.leaseTTL)
	if err != nil {
		return Run{}, false, errs.Unavailable("claiming ticket for dispatch", err)
	}
	if !ok {
		return Run{}, false, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Run{}, false, errs.Unavailable("beginning dispatch transaction", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.NewString()
	const insertRun = `
		INSERT INTO runs (id, ticket_id, harness, state, lease_token, max_minutes, max_tokens, token_count, started_at, heartbeat_at)
		VALUES ($1, $2, $3, 'CLAIMED', $4, $5, $6, 0, now(), now())
		RETURNING id, ticket_id, harness, state, sandbox_id, lease_token, max_minutes, max_tokens, token_count,
		          started_at, heartbeat_at, ended_at, error_message`

	run, err := scanRun(tx.QueryRow(ctx, insertRun, id, ticketID, harness, lease.Token, budget.MaxMinutes, budget.MaxTokens))
	if err != nil {
		return Run{}, false, errs.Unavailable("inserting run", err)
	}

	payload, _ := json.Marshal(map[string]any{"owner": owner, "harness": harness})
	if err := appendEvent(ctx, tx, run.ID, ticketID, "run_claimed", payload); err != nil {
		return Run{}, false, errs.Unavailable("recording run_claimed event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, false, errs.Unavailable("committing dispatch", err)
	}
	return run, true, nil
}

func (s *PostgresStore) Monitor(ctx context.Context, runID string, newState State, tokenDelta int, payload map[string]any) (Run, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Run{}, false, errs.Unavailable("beginning monitor transaction", err)
	}
	defer tx.Rollback(ctx)

	const selectForUpdate = `
		SELECT id, ticket_id, harness, state, sandbox_id, lease_token, max_minutes, max_tokens, token_count,
		       started_at, heartbeat_at, ended_at, error_message
		FROM runs WHERE id = $1 FOR UPDATE`

	run, err := scanRun(tx.QueryRow(ctx, selectForUpdate, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, errs.Unavailable("locking run", err)
	}

	if !isAllowed(run.State, newState) {
		return Run{}, false, nil
	}

	fromState := run.State
	run.State = newState
	run.TokenCount += tokenDelta
	run.HeartbeatAt = time.Now().UTC()
	terminal := IsTerminal(newState)

	const update = `
		UPDATE runs SET state = $2, token_count = $3, heartbeat_at = $4, ended_at = $5
		WHERE id = $1`
	var endedAt *time.Time
	if terminal {
		endedAt = &run.HeartbeatAt
		run.EndedAt = endedAt
	}
	if _, err := tx.Exec(ctx, update, runID, run.State, run.TokenCount, run.HeartbeatAt, endedAt); err != nil {
		return Run{}, false, errs.Unavailable("updating run state", err)
	}

	eventPayload := map[string]any{"from": string(fromState), "to": string(newState)}
	for k, v := range payload {
		eventPayload[k] = v
	}
	payloadJSON, _ := json.Marshal(eventPayload)
	if err := appendEvent(ctx, tx, runID, run.TicketID, "state_transition", payloadJSON); err != nil {
		return Run{}, false, errs.Unavailable("recording state_transition event", err)
	}

	if terminal {
		switch newState {
		case StateSucceeded:
			const settleSuccess = `
				UPDATE tickets SET status = 'COMPLETED', lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
				WHERE id = $1 AND lease_token = $2 AND status = 'CLAIMED'`
			if _, err := tx.Exec(ctx, settleSuccess, run.TicketID, run.LeaseToken); err != nil {
				return Run{}, false, errs.Unavailable("settling ticket success", err)
			}
		default:
			const settleFailure = `
				UPDATE tickets
				SET status = 'FAILED', lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL,
				    attempts = attempts + 1, last_failure_reason = $3, updated_at = now()
				WHERE id = $1 AND lease_token = $2 AND status = 'CLAIMED'`
			if _, err := tx.Exec(ctx, settleFailure, run.TicketID, run.LeaseToken, string(newState)); err != nil {
				return Run{}, false, errs.Unavailable("settling ticket failure", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, false, errs.Unavailable("committing monitor transition", err)
	}
	return run, true, nil
}

func (s *PostgresStore) EnforceLimits(ctx context.Context, runID string, tokenCount *int) (Run, bool, error) {
	run, found, err := s.Get(ctx, runID)
	if err != nil {
		return Run{}, false, err
	}
	if !found {
		return Run{}, false, nil
	}

	runtimeExceeded := time.Now().UTC().After(run.StartedAt.Add(time.Duration(run.MaxMinutes) * time.Minute))
	tokenExceeded := tokenCount != nil && *tokenCount > run.MaxTokens

	if runtimeExceeded || tokenExceeded {
		reason := "max_tokens"
		if runtimeExceeded {
			reason = "max_minutes"
		}
		msg := fmt.Sprintf("Budget exceeded: %s", reason)
		const setErr = `UPDATE runs SET error_message = $2 WHERE id = $1`
		if _, err := s.pool.Exec(ctx, setErr, runID, msg); err != nil {
			return Run{}, false, errs.Unavailable("recording budget error_message", err)
		}
		return s.Monitor(ctx, runID, StateTimedOut, 0, map[string]any{"reason": reason, "token_count": tokenCount})
	}

	if tokenCount != nil {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return Run{}, false, errs.Unavailable("beginning budget-check transaction", err)
		}
		defer tx.Rollback(ctx)

		const update = `UPDATE runs SET token_count = $2, heartbeat_at = now() WHERE id = $1`
		if _, err := tx.Exec(ctx, update, runID, *tokenCount); err != nil {
			return Run{}, false, errs.Unavailable("updating token_count", err)
		}

		payload, _ := json.Marshal(map[string]any{"token_count": *tokenCount})
		if err := appendEvent(ctx, tx, runID, run.TicketID, "budget_check", payload); err != nil {
			return Run{}, false, errs.Unavailable("recording budget_check event", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return Run{}, false, errs.Unavailable("committing budget check", err)
		}

		run.TokenCount = *tokenCount
	}

	return run, true, nil
}

func (s *PostgresStore) RecoverStale(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM runs
		WHERE state IN ('CLAIMED', 'RUNNING', 'BLOCKED') AND heartbeat_at < $1`

	cutoff := time.Now().UTC().Add(-heartbeatTimeout)
	rows, err := s.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, errs.Unavailable("scanning stale runs", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Unavailable("scanning stale run id", err)
		}
		staleIDs = append(staleIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("iterating stale runs", err)
	}

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

func (s *PostgresStore) Get(ctx context.Context, runID string) (Run, bool, error) {
	const q = `
		SELECT id, ticket_id, harness, state, sandbox_id, lease_token, max_minutes, max_tokens, token_count,
		       started_at, heartbeat_at, ended_at, error_message
		FROM runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, q, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, errs.Unavailable("fetching run", err)
	}
	return run, true, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	const q = `
		SELECT id, run_id, ticket_id, event_type, payload, created_at
		FROM run_events WHERE run_id = $1 ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, errs.Unavailable("listing run events", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.TicketID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, errs.Unavailable("scanning run event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, tx pgx.Tx, runID, ticketID, eventType string, payload json.RawMessage) error {
	const insert = `
		INSERT INTO run_events (run_id, ticket_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, now())`
	_, err := tx.Exec(ctx, insert, runID, ticketID, eventType, payload)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.TicketID, &r.Harness, &r.State, &r.SandboxID, &r.LeaseToken,
		&r.MaxMinutes, &r.MaxTokens, &r.TokenCount, &r.StartedAt, &r.HeartbeatAt,
		&r.EndedAt, &r.ErrorMessage,
	)
	return r, err
}
