// Package artifact records the outputs a run produced (diffs, logs, PR
// links) against the artifacts table.
package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/db"
	"github.com/wisbric/nightowl/internal/errs"
)

// Artifact is a single output recorded against a run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	TicketID  string    `json:"ticket_id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store records and lists artifacts for a run.
type Store struct {
	pool db.DBTX
}

// NewStore wraps a pgxpool.Pool (or anything satisfying db.DBTX).
func NewStore(pool db.DBTX) *Store {
	return &Store{pool: pool}
}

// Record inserts a new artifact row for runID/ticketID.
func (s *Store) Record(ctx context.Context, runID, ticketID, kind, url string) (Artifact, error) {
	const insert = `
		INSERT INTO artifacts (id, run_id, ticket_id, kind, url, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, run_id, ticket_id, kind, url, created_at`

	var a Artifact
	err := s.pool.QueryRow(ctx, insert, uuid.NewString(), runID, ticketID, kind, url).
		Scan(&a.ID, &a.RunID, &a.TicketID, &a.Kind, &a.URL, &a.CreatedAt)
	if err != nil {
		return Artifact{}, errs.Unavailable("recording artifact", err)
	}
	return a, nil
}

// ListForRun returns every artifact recorded for runID, oldest first.
func (s *Store) ListForRun(ctx context.Context, runID string) ([]Artifact, error) {
	const q = `
		SELECT id, run_id, ticket_id, kind, url, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, errs.Unavailable("listing artifacts", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.TicketID, &a.Kind, &a.URL, &a.CreatedAt); err != nil {
			return nil, errs.Unavailable("scanning artifact", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
