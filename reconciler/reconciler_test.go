package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
	"github.com/greenfieldops/organizer_mirror/syncqueue"
)

// NOTE: DB-free by design. The fakes pin down the task state machine: which
// errors retry, which dead-letter, and which follow-up tasks each entity
// kind produces.

type fakeStore struct {
	upsertRes        models.UpsertResult
	upsertErr        error
	recomputeChanged bool
	refreshChanged   bool
	dead             []*models.DeadLetterTask
}

func (f *fakeStore) Upsert(ctx context.Context, rec models.SyncRecord) (models.UpsertResult, error) {
	return f.upsertRes, f.upsertErr
}

func (f *fakeStore) RecomputeDonationSummary(ctx context.Context, personID string) (bool, error) {
	return f.recomputeChanged, nil
}

func (f *fakeStore) RefreshPersonFlags(ctx context.Context, personID string) (bool, error) {
	return f.refreshChanged, nil
}

func (f *fakeStore) CreateDeadLetter(ctx context.Context, dl *models.DeadLetterTask) error {
	f.dead = append(f.dead, dl)
	return nil
}

type fakeFetcher struct {
	rec models.SyncRecord
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, kind models.EntityKind, id string) (models.SyncRecord, error) {
	return f.rec, f.err
}

type enqueued struct {
	kind   models.EntityKind
	id     string
	reason string
}

type fakeQueue struct {
	acked    []syncqueue.Task
	nacked   []syncqueue.Task
	delays   []time.Duration
	enqueues []enqueued
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind models.EntityKind, id string, reason string) error {
	f.enqueues = append(f.enqueues, enqueued{kind, id, reason})
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context) (syncqueue.Task, error) {
	panic("not used")
}

func (f *fakeQueue) Drain(ctx context.Context, kind models.EntityKind, max int) ([]syncqueue.Task, error) {
	return nil, nil
}

func (f *fakeQueue) Ack(ctx context.Context, task syncqueue.Task) error {
	f.acked = append(f.acked, task)
	return nil
}

func (f *fakeQueue) Nack(ctx context.Context, task syncqueue.Task, delay time.Duration) error {
	f.nacked = append(f.nacked, task)
	f.delays = append(f.delays, delay)
	return nil
}

func (f *fakeQueue) Depth(ctx context.Context) (int, error) { return 0, nil }

func testSettings() *config.Settings {
	return &config.Settings{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

func newTestReconciler(st *fakeStore, up *fakeFetcher, q *fakeQueue) *Reconciler {
	return New(st, up, q, config.GetLogger(), testSettings())
}

func personTask(attempts int) syncqueue.Task {
	return syncqueue.Task{Kind: models.KindPerson, ID: "p1", Reason: "webhook", Attempts: attempts}
}

func TestStaleVersionAcksWithoutPublish(t *testing.T) {
	st := &fakeStore{upsertRes: models.UpsertResult{Outcome: models.UpsertStale, PersonID: "p1"}}
	q := &fakeQueue{}
	r := newTestReconciler(st, &fakeFetcher{rec: &models.Person{UUID: "p1"}}, q)

	if err := r.HandleTask(context.Background(), personTask(1)); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(q.acked) != 1 {
		t.Fatalf("expected ack, got acked=%d nacked=%d", len(q.acked), len(q.nacked))
	}
	if len(q.enqueues) != 0 {
		t.Fatalf("stale upsert must not enqueue anything, got %v", q.enqueues)
	}
}

func TestNotFoundAcks(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeStore{}
	r := newTestReconciler(st, &fakeFetcher{err: &syncerr.NotFound{Kind: "person", ID: "p1"}}, q)

	if err := r.HandleTask(context.Background(), personTask(1)); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(q.acked) != 1 || len(q.nacked) != 0 {
		t.Fatalf("expected ack for missing record, got acked=%d nacked=%d", len(q.acked), len(q.nacked))
	}
	if len(st.dead) != 0 {
		t.Fatalf("missing record must not dead-letter")
	}
}

func TestRateLimitHintBeatsBackoff(t *testing.T) {
	q := &fakeQueue{}
	r := newTestReconciler(&fakeStore{}, &fakeFetcher{err: &syncerr.RateLimited{RetryAfter: 30 * time.Second}}, q)

	if err := r.HandleTask(context.Background(), personTask(1)); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(q.nacked) != 1 {
		t.Fatalf("expected nack, got acked=%d", len(q.acked))
	}
	if q.delays[0] != 30*time.Second {
		t.Fatalf("expected the server's 30s hint, got %s", q.delays[0])
	}
}

func TestTransientBackoffGrows(t *testing.T) {
	q := &fakeQueue{}
	fetchErr := &syncerr.Transient{Err: context.DeadlineExceeded}
	r := newTestReconciler(&fakeStore{}, &fakeFetcher{err: fetchErr}, q)

	r.HandleTask(context.Background(), personTask(1))
	r.HandleTask(context.Background(), personTask(2))
	if len(q.delays) != 2 {
		t.Fatalf("expected 2 nacks, got %d", len(q.delays))
	}
	if q.delays[0] != 5*time.Second || q.delays[1] != 10*time.Second {
		t.Fatalf("expected 5s then 10s, got %s then %s", q.delays[0], q.delays[1])
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeStore{}
	r := newTestReconciler(st, &fakeFetcher{err: &syncerr.Transient{Err: context.DeadlineExceeded}}, q)

	if err := r.HandleTask(context.Background(), personTask(3)); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(st.dead) != 1 {
		t.Fatalf("expected a dead letter, got %d", len(st.dead))
	}
	if st.dead[0].ErrorCode != "retries_exhausted" || st.dead[0].EntityID != "p1" {
		t.Fatalf("unexpected dead letter %+v", st.dead[0])
	}
	if len(q.acked) != 1 {
		t.Fatal("dead-lettered task must still be acked off the queue")
	}
}

func TestAuthDeadLetters(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeStore{}
	r := newTestReconciler(st, &fakeFetcher{err: &syncerr.Auth{Status: 401}}, q)

	r.HandleTask(context.Background(), personTask(1))
	if len(st.dead) != 1 || st.dead[0].ErrorCode != "auth" {
		t.Fatalf("expected auth dead letter, got %+v", st.dead)
	}
	if len(q.nacked) != 0 {
		t.Fatal("auth failures must not retry")
	}
}

func TestValidationDeadLetters(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeStore{}
	r := newTestReconciler(st, &fakeFetcher{err: &syncerr.Validation{Field: "email", Detail: "missing"}}, q)

	r.HandleTask(context.Background(), personTask(1))
	if len(st.dead) != 1 || st.dead[0].ErrorCode != "validation" {
		t.Fatalf("expected validation dead letter, got %+v", st.dead)
	}
}

func TestDonationEnqueuesBackfillAndPublish(t *testing.T) {
	st := &fakeStore{
		upsertRes: models.UpsertResult{
			Outcome:         models.UpsertInserted,
			PersonID:        "donor-1",
			BackfilledDonor: true,
		},
		recomputeChanged: true,
	}
	q := &fakeQueue{}
	donation := &models.Donation{UUID: "d1", DonorID: "donor-1"}
	r := newTestReconciler(st, &fakeFetcher{rec: donation}, q)

	task := syncqueue.Task{Kind: models.KindDonation, ID: "d1", Attempts: 1}
	if err := r.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	if len(q.enqueues) != 2 {
		t.Fatalf("expected backfill + publish enqueues, got %v", q.enqueues)
	}
	if q.enqueues[0] != (enqueued{models.KindPerson, "donor-1", "donor_backfill"}) {
		t.Fatalf("unexpected first enqueue %+v", q.enqueues[0])
	}
	if q.enqueues[1] != (enqueued{models.KindPublish, "donor-1", "summary_changed"}) {
		t.Fatalf("unexpected second enqueue %+v", q.enqueues[1])
	}
	if len(q.acked) != 1 {
		t.Fatal("expected the task to ack")
	}
}

func TestSubmissionRefreshTriggersPublish(t *testing.T) {
	st := &fakeStore{
		upsertRes:      models.UpsertResult{Outcome: models.UpsertInserted, PersonID: "p9"},
		refreshChanged: true,
	}
	q := &fakeQueue{}
	sub := &models.Submission{UUID: "s1", PersonID: "p9"}
	r := newTestReconciler(st, &fakeFetcher{rec: sub}, q)

	task := syncqueue.Task{Kind: models.KindSubmission, ID: "s1", Attempts: 1}
	if err := r.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(q.enqueues) != 1 || q.enqueues[0].kind != models.KindPublish {
		t.Fatalf("expected one publish enqueue, got %v", q.enqueues)
	}
}

func TestPersonFieldChangePublishesWithoutStatusFlip(t *testing.T) {
	st := &fakeStore{upsertRes: models.UpsertResult{
		Outcome:     models.UpsertUpdated,
		PersonID:    "p1",
		DataChanged: true,
	}}
	q := &fakeQueue{}
	r := newTestReconciler(st, &fakeFetcher{rec: &models.Person{UUID: "p1"}}, q)

	if err := r.HandleTask(context.Background(), personTask(1)); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(q.enqueues) != 1 {
		t.Fatalf("a name or phone edit must republish, got %v", q.enqueues)
	}
	if q.enqueues[0] != (enqueued{models.KindPublish, "p1", "fields_changed"}) {
		t.Fatalf("unexpected enqueue %+v", q.enqueues[0])
	}
}

func TestRedeliveredDuplicateDoesNotPublish(t *testing.T) {
	// A redelivered webhook re-upserts the same version: the row is saved
	// again but no data moved, so nothing goes back to the destination.
	st := &fakeStore{upsertRes: models.UpsertResult{Outcome: models.UpsertUpdated, PersonID: "p1"}}
	q := &fakeQueue{}
	r := newTestReconciler(st, &fakeFetcher{rec: &models.Person{UUID: "p1"}}, q)

	r.HandleTask(context.Background(), personTask(1))
	if len(q.enqueues) != 0 {
		t.Fatalf("no data change means no publish, got %v", q.enqueues)
	}
	if len(q.acked) != 1 {
		t.Fatal("expected ack")
	}
}
