// Package seed provisions demo tickets for local development so the API and
// worker modes have something to dispatch against immediately.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wisbric/nightowl/pkg/backlog"
)

type ticketSpec struct {
	source, typ, repo string
	priority          backlog.Priority
	criteria          []string
}

var demoTickets = []ticketSpec{
	{"linear", "bug", "gankoji/factory", backlog.PriorityCritical,
		[]string{"reproduce the crash", "add a regression test", "ship a fix"}},
	{"linear", "feature", "gankoji/factory", backlog.PriorityHigh,
		[]string{"add pagination to the ticket list endpoint"}},
	{"github", "chore", "gankoji/factory", backlog.PriorityMedium,
		[]string{"bump go-chi to the latest patch release"}},
	{"linear", "feature", "gankoji/factory", backlog.PriorityLow,
		[]string{"document the run-events pub/sub channel"}},
}

// Run inserts the demo ticket set into store, skipping any ticket whose
// idempotency key already exists.
func Run(ctx context.Context, store backlog.Store, logger *slog.Logger) error {
	for i, spec := range demoTickets {
		key := fmt.Sprintf("seed-demo-%d", i+1)
		blob, _ := json.Marshal(map[string]any{"seeded": true})

		t, err := store.Create(ctx, backlog.NewTicketInput{
			Source:             spec.source,
			Type:               spec.typ,
			Priority:           spec.priority,
			Repo:               spec.repo,
			Context:            blob,
			AcceptanceCriteria: spec.criteria,
			IdempotencyKey:     key,
		})
		if err != nil {
			return fmt.Errorf("seeding ticket %q: %w", key, err)
		}
		logger.Info("seeded ticket", "id", t.ID, "priority", t.Priority, "idempotency_key", key)
	}
	return nil
}
