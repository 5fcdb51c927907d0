package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/greenfieldops/organizer_mirror/models"
)

type entryState int

const (
	statePending entryState = iota
	stateInFlight
)

type entry struct {
	task      Task
	state     entryState
	readyAt   time.Time // pending: when eligible for dequeue
	deadline  time.Time // in-flight: visibility timeout expiry
	redeliver bool      // enqueued again while in flight
}

// MemoryQueue implements Queue as a map from task key to pending task plus
// a wake signal. It backs unit tests and single-process dev runs; the Redis
// queue provides the same semantics durably.
type MemoryQueue struct {
	mu         sync.Mutex
	entries    map[string]*entry
	wake       chan struct{}
	visibility time.Duration
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &MemoryQueue{
		entries:    make(map[string]*entry),
		wake:       make(chan struct{}, 1),
		visibility: visibility,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, kind models.EntityKind, id string, reason string) error {
	now := time.Now()
	task := Task{Kind: kind, ID: id, Reason: reason, EnqueuedAt: now}

	q.mu.Lock()
	if e, ok := q.entries[task.Key()]; ok {
		if e.state == stateInFlight {
			e.redeliver = true
		}
		// pending: coalesce into the existing task
		q.mu.Unlock()
		q.signal()
		return nil
	}
	q.entries[task.Key()] = &entry{task: task, state: statePending, readyAt: now}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		now := time.Now()

		q.mu.Lock()
		q.reclaimLocked(now)
		if e := q.nextReadyLocked(now, ""); e != nil {
			task := q.claimLocked(e, now)
			q.mu.Unlock()
			return task, nil
		}
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Drain(ctx context.Context, kind models.EntityKind, max int) ([]Task, error) {
	now := time.Now()
	var tasks []Task

	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(now)
	for len(tasks) < max {
		e := q.nextReadyLocked(now, kind)
		if e == nil {
			break
		}
		tasks = append(tasks, q.claimLocked(e, now))
	}
	return tasks, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[task.Key()]
	if !ok || e.state != stateInFlight {
		return nil
	}
	if e.redeliver {
		e.redeliver = false
		e.state = statePending
		e.readyAt = time.Now()
		q.signal()
		return nil
	}
	delete(q.entries, task.Key())
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[task.Key()]
	if !ok || e.state != stateInFlight {
		return nil
	}
	e.state = statePending
	e.redeliver = false
	e.readyAt = time.Now().Add(delay)
	e.task.Attempts = task.Attempts
	q.signal()
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// reclaimLocked returns expired in-flight tasks to pending (crash redelivery).
func (q *MemoryQueue) reclaimLocked(now time.Time) {
	for _, e := range q.entries {
		if e.state == stateInFlight && !e.deadline.After(now) {
			e.state = statePending
			e.readyAt = now
		}
	}
}

func (q *MemoryQueue) nextReadyLocked(now time.Time, kind models.EntityKind) *entry {
	var best *entry
	for _, e := range q.entries {
		if e.state != statePending || e.readyAt.After(now) {
			continue
		}
		if kind != "" && e.task.Kind != kind {
			continue
		}
		if best == nil || e.readyAt.Before(best.readyAt) {
			best = e
		}
	}
	return best
}

func (q *MemoryQueue) claimLocked(e *entry, now time.Time) Task {
	e.state = stateInFlight
	e.deadline = now.Add(q.visibility)
	e.task.Attempts++
	return e.task
}

func (q *MemoryQueue) nextWakeLocked(now time.Time) time.Duration {
	wait := 5 * time.Second
	for _, e := range q.entries {
		var at time.Time
		switch e.state {
		case statePending:
			at = e.readyAt
		case stateInFlight:
			at = e.deadline
		}
		if d := at.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
