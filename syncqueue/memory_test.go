package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/greenfieldops/organizer_mirror/models"
)

// NOTE: These tests are intentionally Redis-free. They validate the queue
// semantics the reconciler depends on: coalescing per entity, redelivery
// after an in-flight enqueue, nack delays, and visibility-timeout recovery.
// The Redis implementation mirrors the same state machine durably.

func TestEnqueueCoalescesPending(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, models.KindPerson, "p1", "webhook"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected 1 coalesced task, got %d", depth)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.Kind != models.KindPerson || task.ID != "p1" || task.Attempts != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ = q.Depth(ctx); depth != 0 {
		t.Fatalf("expected empty queue after ack, got depth %d", depth)
	}
}

func TestEnqueueWhileInFlightRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	q.Enqueue(ctx, models.KindDonation, "d1", "webhook")
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// A change lands while the first sync is running.
	q.Enqueue(ctx, models.KindDonation, "d1", "webhook")

	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected one redelivery pending, got depth %d", depth)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again.ID != "d1" || again.Attempts != 2 {
		t.Fatalf("unexpected redelivered task %+v", again)
	}
}

func TestNackDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	q.Enqueue(ctx, models.KindPerson, "p1", "webhook")
	task, _ := q.Dequeue(ctx)
	if err := q.Nack(ctx, task, 80*time.Millisecond); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not ready yet.
	if got, _ := q.Drain(ctx, models.KindPerson, 10); len(got) != 0 {
		t.Fatalf("expected no ready tasks before the delay, got %d", len(got))
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := q.Dequeue(waitCtx)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if again.ID != "p1" || again.Attempts != 2 {
		t.Fatalf("unexpected task %+v", again)
	}
}

func TestVisibilityTimeoutReclaims(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(30 * time.Millisecond)

	q.Enqueue(ctx, models.KindSubmission, "s1", "webhook")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	// Simulated crash: no ack, no nack.

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := q.Dequeue(waitCtx)
	if err != nil {
		t.Fatalf("dequeue after visibility expiry: %v", err)
	}
	if again.ID != "s1" || again.Attempts != 2 {
		t.Fatalf("unexpected reclaimed task %+v", again)
	}
}

func TestDrainFiltersByKind(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	q.Enqueue(ctx, models.KindPublish, "p1", "status_changed")
	q.Enqueue(ctx, models.KindPublish, "p2", "status_changed")
	q.Enqueue(ctx, models.KindPublish, "p3", "status_changed")
	q.Enqueue(ctx, models.KindPerson, "p4", "webhook")

	tasks, err := q.Drain(ctx, models.KindPublish, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Kind != models.KindPublish {
			t.Fatalf("drained wrong kind: %+v", task)
		}
	}

	rest, _ := q.Drain(ctx, models.KindPublish, 10)
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining publish task, got %d", len(rest))
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected context error from empty-queue dequeue")
	}
}
