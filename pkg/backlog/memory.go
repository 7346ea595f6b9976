package backlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/errs"
)

// MemStore is an in-memory Store used by unit tests, satisfying the same
// abstract store-session contract as PostgresStore: every mutation is
// serialized behind a single mutex, which stands in for the conditional
// UPDATE ... WHERE guarantee the SQL store gets from the database.
type MemStore struct {
	mu      sync.Mutex
	tickets map[string]Ticket
	byKey   map[string]string // idempotency_key -> ticket id
	leases  []Lease
	nextID  int
}

// NewMemStore returns an empty in-memory backlog store.
func NewMemStore() *MemStore {
	return &MemStore{
		tickets: make(map[string]Ticket),
		byKey:   make(map[string]string),
	}
}

func (s *MemStore) Create(_ context.Context, input NewTicketInput) (Ticket, error) {
	if input.IdempotencyKey == "" {
		return Ticket{}, errs.Validation("idempotency_key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[input.IdempotencyKey]; ok {
		return s.tickets[id], nil
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	t := Ticket{
		ID:                 id,
		Source:             input.Source,
		Type:               input.Type,
		Priority:           input.Priority,
		Repo:               input.Repo,
		Context:            input.Context,
		AcceptanceCriteria: input.AcceptanceCriteria,
		IdempotencyKey:     input.IdempotencyKey,
		Status:             StatusReady,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.tickets[id] = t
	s.byKey[input.IdempotencyKey] = id
	return t, nil
}

func (s *MemStore) Get(_ context.Context, ticketID string) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	return t, ok, nil
}

func (s *MemStore) FetchReady(_ context.Context, limit int) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []Ticket
	for _, t := range s.tickets {
		if t.Status == StatusReady {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.rank() != ready[j].Priority.rank() {
			return ready[i].Priority.rank() < ready[j].Priority.rank()
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *MemStore) Claim(_ context.Context, ticketID, owner string, ttl time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return Lease{}, false, nil
	}

	now := time.Now().UTC()
	expired := t.Status == StatusClaimed && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
	if t.Status != StatusReady && !expired {
		return Lease{}, false, nil
	}

	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	t.Status = StatusClaimed
	t.LeaseOwner = &owner
	t.LeaseToken = &token
	t.LeaseExpiresAt = &expiresAt
	t.UpdatedAt = now
	s.tickets[ticketID] = t

	s.nextID++
	lease := Lease{
		ID:        int64(s.nextID),
		TicketID:  ticketID,
		Owner:     owner,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	s.leases = append(s.leases, lease)
	return lease, true, nil
}

func (s *MemStore) Heartbeat(_ context.Context, ticketID, leaseToken string, ttl time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	now := time.Now().UTC()
	if !ok || t.Status != StatusClaimed || t.LeaseToken == nil || *t.LeaseToken != leaseToken ||
		t.LeaseExpiresAt == nil || t.LeaseExpiresAt.Before(now) {
		return Lease{}, false, nil
	}

	expiresAt := now.Add(ttl)
	t.LeaseExpiresAt = &expiresAt
	t.UpdatedAt = now
	s.tickets[ticketID] = t

	lease := s.lastLeaseForToken(leaseToken)
	if lease == nil {
		return Lease{}, false, nil
	}
	lease.ExpiresAt = expiresAt
	return *lease, true, nil
}

func (s *MemStore) Complete(ctx context.Context, ticketID, leaseToken string) (Ticket, bool, error) {
	return s.SettleTerminal(ticketID, leaseToken, StatusCompleted, "")
}

func (s *MemStore) Fail(ctx context.Context, ticketID, leaseToken, reason string) (Ticket, bool, error) {
	return s.SettleTerminal(ticketID, leaseToken, StatusFailed, reason)
}

// SettleTerminal applies the complete/fail precondition and mutation
// directly. It is exported so the supervisor's in-memory store can settle a
// ticket's terminal status as part of the same logical unit as a run's
// terminal transition, mirroring the "same-transaction" settlement the
// Postgres store performs inline against the tickets table.
func (s *MemStore) SettleTerminal(ticketID, leaseToken string, status Status, reason string) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok || t.Status != StatusClaimed || t.LeaseToken == nil || *t.LeaseToken != leaseToken {
		return Ticket{}, false, nil
	}

	now := time.Now().UTC()
	t.Status = status
	t.LeaseOwner = nil
	t.LeaseToken = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	if status == StatusFailed {
		t.Attempts++
		r := reason
		t.LastFailureReason = &r
	}
	s.tickets[ticketID] = t

	if lease := s.lastLeaseForToken(leaseToken); lease != nil {
		releasedAt := now
		lease.ReleasedAt = &releasedAt
	}
	return t, true, nil
}

func (s *MemStore) lastLeaseForToken(token string) *Lease {
	for i := len(s.leases) - 1; i >= 0; i-- {
		if s.leases[i].Token == token {
			return &s.leases[i]
		}
	}
	return nil
}
