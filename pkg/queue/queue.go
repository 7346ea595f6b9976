// Package queue provides a Redis list-backed FIFO queue of ready ticket ids,
// with a dead-letter list for items that repeatedly fail to dispatch.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueName = "factory:ready"
	defaultDLQName   = "factory:dlq"
)

// Item is a single queued unit of work: a ticket waiting to be dispatched.
type Item struct {
	TicketID string `json:"ticket_id"`
}

// Queue is a Redis-backed FIFO queue of ready ticket ids.
type Queue struct {
	rdb  *redis.Client
	name string
	dlq  string
}

// New creates a Queue using the default queue and dead-letter list names.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, name: defaultQueueName, dlq: defaultDLQName}
}

// Enqueue pushes a ticket id onto the tail of the ready queue.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling queue item: %w", err)
	}
	return q.rdb.RPush(ctx, q.name, payload).Err()
}

// Dequeue pops the head of the ready queue. Returns (Item{}, false, nil) if
// the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool, error) {
	payload, err := q.rdb.LPop(ctx, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("dequeuing: %w", err)
	}

	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return Item{}, false, fmt.Errorf("unmarshaling queue item: %w", err)
	}
	return item, true, nil
}

// DeadLetter moves item to the dead-letter list along with a reason, for
// operator inspection of tickets that repeatedly failed to dispatch.
func (q *Queue) DeadLetter(ctx context.Context, item Item, reason string) error {
	payload, err := json.Marshal(map[string]any{"ticket_id": item.TicketID, "reason": reason})
	if err != nil {
		return fmt.Errorf("marshaling dead-letter entry: %w", err)
	}
	return q.rdb.RPush(ctx, q.dlq, payload).Err()
}

// PendingCount returns the number of items waiting in the ready queue.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
