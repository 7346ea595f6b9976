// Package db provides the minimal database-handle abstraction shared by the
// backlog and supervisor stores, so both a pooled connection and a
// transaction can be passed around interchangeably.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx. Store methods that need
// to run inside a caller-managed transaction accept this interface instead of
// a concrete pool, so callers can pass a pool for a single statement or a
// pgx.Tx when several writes must be atomic together.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is satisfied by *pgxpool.Pool. Stores that need to open their own
// transaction (e.g. the combined run/ticket write in the supervisor's Monitor)
// accept this instead of DBTX.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}
