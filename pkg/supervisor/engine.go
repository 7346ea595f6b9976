package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunEventsChannel is the Redis pub/sub channel runs are announced on so that
// notification consumers (Slack, dashboards) can react without polling.
const RunEventsChannel = "factory:run:events"

// Engine is a background worker that sweeps for stale runs on a fixed
// interval, publishing a run-events message for each run it recovers. It does
// not check run budgets; those are enforced only through EnforceLimits.
type Engine struct {
	store            Store
	rdb              *redis.Client
	logger           *slog.Logger
	interval         time.Duration
	heartbeatTimeout time.Duration
}

// NewEngine creates a supervisor sweep engine with the given sweep interval.
func NewEngine(store Store, rdb *redis.Client, logger *slog.Logger, interval, heartbeatTimeout time.Duration) *Engine {
	return &Engine{
		store:            store,
		rdb:              rdb,
		logger:           logger,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("supervisor engine started", "interval", e.interval, "heartbeat_timeout", e.heartbeatTimeout)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("supervisor engine stopped")
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.Error("supervisor engine tick", "error", err)
			}
		}
	}
}

// tick recovers stale runs for the current sweep interval.
func (e *Engine) tick(ctx context.Context) error {
	recovered, err := e.store.RecoverStale(ctx, e.heartbeatTimeout)
	if err != nil {
		return err
	}
	for _, runID := range recovered {
		e.logger.Info("recovered stale run", "run_id", runID)
		e.publish(ctx, runID, "recovered")
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, runID, event string) {
	if e.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"run_id": runID, "event": event})
	if err := e.rdb.Publish(ctx, RunEventsChannel, string(payload)).Err(); err != nil {
		e.logger.Warn("publishing run event", "run_id", runID, "error", err)
	}
}
