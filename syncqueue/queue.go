// Package syncqueue is the durable, at-least-once change queue that drives
// reconciliation. Enqueues for the same (kind, id) coalesce into a single
// pending task, which both bounds queue growth under webhook storms and
// guarantees at most one in-flight task per entity at a time.
package syncqueue

import (
	"context"
	"strings"
	"time"

	"github.com/greenfieldops/organizer_mirror/models"
)

type Task struct {
	Kind       models.EntityKind `json:"kind"`
	ID         string            `json:"id"`
	Reason     string            `json:"reason"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Key is the coalescing identity of a task.
func (t Task) Key() string { return string(t.Kind) + "|" + t.ID }

func taskFromKey(key string) (models.EntityKind, string) {
	kind, id, _ := strings.Cut(key, "|")
	return models.EntityKind(kind), id
}

// Queue contracts:
//   - Enqueue is idempotent per (kind, id): a second enqueue while a task is
//     pending merges into it; while the task is in flight it schedules one
//     redelivery after the in-flight attempt settles.
//   - Dequeue blocks until a task is ready or ctx is done. A dequeued task
//     is invisible to other workers until its visibility timeout elapses;
//     a crashed worker's task reappears automatically.
//   - Ack removes the task permanently; Nack returns it for retry after the
//     given delay. Neither is implicit: an unacked task always redelivers.
type Queue interface {
	Enqueue(ctx context.Context, kind models.EntityKind, id string, reason string) error
	Dequeue(ctx context.Context) (Task, error)
	// Drain non-blockingly claims up to max additional ready tasks of one
	// kind, used to batch destination writes.
	Drain(ctx context.Context, kind models.EntityKind, max int) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	Nack(ctx context.Context, task Task, delay time.Duration) error
	Depth(ctx context.Context) (int, error)
}
