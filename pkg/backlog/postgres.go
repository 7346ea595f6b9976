package backlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/nightowl/internal/db"
	"github.com/wisbric/nightowl/internal/errs"
)

// PostgresStore implements Store against the tickets and leases tables using
// raw pgx SQL and conditional UPDATE ... WHERE statements, never
// read-then-write, so claim/heartbeat/terminal transitions have exactly one
// winner under concurrency.
type PostgresStore struct {
	pool db.Beginner
}

// NewPostgresStore wraps a pgxpool.Pool (or anything satisfying db.Beginner).
func NewPostgresStore(pool db.Beginner) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, input NewTicketInput) (Ticket, error) {
	if input.IdempotencyKey == "" {
		return Ticket{}, errs.Validation("idempotency_key must not be empty")
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}

	const insert = `
		INSERT INTO tickets (id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'READY', 0, now(), now())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
		          lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at`

	row := s.pool.QueryRow(ctx, insert, id, input.Source, input.Type, input.Priority, input.Repo,
		input.Context, input.AcceptanceCriteria, input.IdempotencyKey)

	t, err := scanTicket(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, errs.Unavailable("creating ticket", err)
	}

	// Lost the insert race (or matched ON CONFLICT DO NOTHING) — re-read by key.
	existing, found, err := s.getByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return Ticket{}, errs.Unavailable("re-reading ticket after conflict", err)
	}
	if !found {
		return Ticket{}, errs.Unavailable("ticket insert conflicted but no row found", nil)
	}
	return existing, nil
}

func (s *PostgresStore) getByIdempotencyKey(ctx context.Context, key string) (Ticket, bool, error) {
	const q = `
		SELECT id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
		       lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at
		FROM tickets WHERE idempotency_key = $1`
	row := s.pool.QueryRow(ctx, q, key)
	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, ticketID string) (Ticket, bool, error) {
	const q = `
		SELECT id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
		       lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at
		FROM tickets WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, errs.Unavailable("fetching ticket", err)
	}
	return t, true, nil
}

func (s *PostgresStore) FetchReady(ctx context.Context, limit int) ([]Ticket, error) {
	const q = `
		SELECT id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
		       lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at
		FROM tickets
		WHERE status = 'READY'
		ORDER BY
			CASE priority
				WHEN 'CRITICAL' THEN 0
				WHEN 'HIGH' THEN 1
				WHEN 'MEDIUM' THEN 2
				WHEN 'LOW' THEN 3
				ELSE 4
			END,
			created_at ASC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, errs.Unavailable("fetching ready tickets", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, errs.Unavailable("scanning ready ticket", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("iterating ready tickets", err)
	}
	return out, nil
}

func (s *PostgresStore) Claim(ctx context.Context, ticketID, owner string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lease{}, false, errs.Unavailable("beginning claim transaction", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		UPDATE tickets
		SET status = 'CLAIMED', lease_owner = $2, lease_token = $3,
		    lease_expires_at = now() + make_interval(secs => $4), updated_at = now()
		WHERE id = $1
		  AND (status = 'READY' OR (status = 'CLAIMED' AND lease_expires_at IS NOT NULL AND lease_expires_at < now()))
		RETURNING lease_expires_at`

	var expiresAt time.Time
	err = tx.QueryRow(ctx, claimSQL, ticketID, owner, token, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, errs.Unavailable("claiming ticket", err)
	}

	const insertLease = `
		INSERT INTO leases (ticket_id, owner, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at`

	var lease Lease
	lease.TicketID, lease.Owner, lease.Token, lease.ExpiresAt = ticketID, owner, token, expiresAt
	if err := tx.QueryRow(ctx, insertLease, ticketID, owner, token, expiresAt).Scan(&lease.ID, &lease.CreatedAt); err != nil {
		return Lease{}, false, errs.Unavailable("recording lease", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Lease{}, false, errs.Unavailable("committing claim", err)
	}
	return lease, true, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, ticketID, leaseToken string, ttl time.Duration) (Lease, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lease{}, false, errs.Unavailable("beginning heartbeat transaction", err)
	}
	defer tx.Rollback(ctx)

	const extend = `
		UPDATE tickets
		SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND status = 'CLAIMED' AND lease_token = $2
		  AND lease_expires_at IS NOT NULL AND lease_expires_at >= now()
		RETURNING lease_owner, lease_expires_at`

	var owner *string
	var expiresAt time.Time
	err = tx.QueryRow(ctx, extend, ticketID, leaseToken, ttl.Seconds()).Scan(&owner, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, errs.Unavailable("extending lease", err)
	}

	const updateLease = `
		UPDATE leases SET expires_at = $2
		WHERE id = (SELECT id FROM leases WHERE token = $1 ORDER BY id DESC LIMIT 1)
		RETURNING id, created_at`

	var lease Lease
	lease.TicketID, lease.Token, lease.ExpiresAt = ticketID, leaseToken, expiresAt
	if owner != nil {
		lease.Owner = *owner
	}
	if err := tx.QueryRow(ctx, updateLease, leaseToken, expiresAt).Scan(&lease.ID, &lease.CreatedAt); err != nil {
		return Lease{}, false, errs.Unavailable("updating lease row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Lease{}, false, errs.Unavailable("committing heartbeat", err)
	}
	return lease, true, nil
}

func (s *PostgresStore) Complete(ctx context.Context, ticketID, leaseToken string) (Ticket, bool, error) {
	return s.terminalUpdate(ctx, ticketID, leaseToken, StatusCompleted, "")
}

func (s *PostgresStore) Fail(ctx context.Context, ticketID, leaseToken, reason string) (Ticket, bool, error) {
	return s.terminalUpdate(ctx, ticketID, leaseToken, StatusFailed, reason)
}

// terminalUpdate implements complete/fail: both require the caller to hold
// the current lease token on a CLAIMED ticket, both clear lease fields and
// release the lease row; fail additionally increments attempts.
func (s *PostgresStore) terminalUpdate(ctx context.Context, ticketID, leaseToken string, status Status, reason string) (Ticket, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Ticket{}, false, errs.Unavailable("beginning terminal transaction", err)
	}
	defer tx.Rollback(ctx)

	var update string
	var args []any
	if status == StatusFailed {
		update = `
			UPDATE tickets
			SET status = 'FAILED', lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL,
			    attempts = attempts + 1, last_failure_reason = $3, updated_at = now()
			WHERE id = $1 AND lease_token = $2 AND status = 'CLAIMED'
			RETURNING id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
			          lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at`
		args = []any{ticketID, leaseToken, reason}
	} else {
		update = `
			UPDATE tickets
			SET status = 'COMPLETED', lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE id = $1 AND lease_token = $2 AND status = 'CLAIMED'
			RETURNING id, source, type, priority, repo, context, acceptance_criteria, idempotency_key, status, attempts,
			          lease_owner, lease_token, lease_expires_at, last_failure_reason, created_at, updated_at`
		args = []any{ticketID, leaseToken}
	}

	t, err := scanTicket(tx.QueryRow(ctx, update, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, errs.Unavailable(fmt.Sprintf("terminal update to %s", status), err)
	}

	const releaseLease = `
		UPDATE leases SET released_at = now()
		WHERE id = (SELECT id FROM leases WHERE token = $1 ORDER BY id DESC LIMIT 1)`
	if _, err := tx.Exec(ctx, releaseLease, leaseToken); err != nil {
		return Ticket{}, false, errs.Unavailable("releasing lease", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Ticket{}, false, errs.Unavailable("committing terminal update", err)
	}
	return t, true, nil
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (Ticket, error) {
	return scanTicketRows(row)
}

func scanTicketRows(row rowScanner) (Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID, &t.Source, &t.Type, &t.Priority, &t.Repo, &t.Context, &t.AcceptanceCriteria,
		&t.IdempotencyKey, &t.Status, &t.Attempts,
		&t.LeaseOwner, &t.LeaseToken, &t.LeaseExpiresAt, &t.LastFailureReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
