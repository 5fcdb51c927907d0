package publisher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
	"github.com/greenfieldops/organizer_mirror/syncqueue"
)

// NOTE: DB- and HTTP-free. The fakes pin down batching, per-row failure
// isolation, and the queue dispositions of each destination outcome.

type published struct {
	personID string
	kind     models.StatusKind
	recordID string
}

type fakeStore struct {
	people    []models.Person
	ext       map[string]models.ExternalInfo
	published []published
	dead      []*models.DeadLetterTask
}

func (f *fakeStore) PeopleByIDs(ctx context.Context, ids []string) ([]models.Person, error) {
	return f.people, nil
}

func (f *fakeStore) ExternalInfoByEmails(ctx context.Context, emails []string) (map[string]models.ExternalInfo, error) {
	if f.ext == nil {
		return map[string]models.ExternalInfo{}, nil
	}
	return f.ext, nil
}

func (f *fakeStore) MarkPublished(ctx context.Context, personID string, kind models.StatusKind, recordID string, at time.Time) error {
	f.published = append(f.published, published{personID, kind, recordID})
	return nil
}

func (f *fakeStore) CreateDeadLetter(ctx context.Context, dl *models.DeadLetterTask) error {
	f.dead = append(f.dead, dl)
	return nil
}

type senderCall struct {
	table string
	rows  int
}

type fakeSender struct {
	calls []senderCall
	errs  []error // consumed per call; nil means success
}

func (f *fakeSender) UpsertRows(ctx context.Context, table string, rows []Row) ([]string, error) {
	call := len(f.calls)
	f.calls = append(f.calls, senderCall{table, len(rows)})
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	ids := make([]string, len(rows))
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d-%d", call, i)
	}
	return ids, nil
}

type fakeQueue struct {
	acked  []syncqueue.Task
	nacked []syncqueue.Task
	delays []time.Duration
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind models.EntityKind, id string, reason string) error {
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context) (syncqueue.Task, error) { panic("not used") }

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
		DestMaxBatchSize: 10,
		MaxAttempts:      3,
		InitialBackoff:   5 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

func contactPerson(i int) models.Person {
	email := fmt.Sprintf("person%d@example.org", i)
	return models.Person{
		UUID:    fmt.Sprintf("p%d", i),
		Email:   &email,
		Contact: models.StatusRecord{IsActive: true},
	}
}

func tasksFor(people []models.Person) []syncqueue.Task {
	tasks := make([]syncqueue.Task, len(people))
	for i, p := range people {
		tasks[i] = syncqueue.Task{Kind: models.KindPublish, ID: p.UUID, Attempts: 1}
	}
	return tasks
}

func TestBatchSplitsAtDestinationCap(t *testing.T) {
	people := make([]models.Person, 15)
	for i := range people {
		people[i] = contactPerson(i)
	}
	st := &fakeStore{people: people}
	sender := &fakeSender{}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor(people)); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(sender.calls) != 2 {
		t.Fatalf("expected 2 destination calls, got %d", len(sender.calls))
	}
	if sender.calls[0].rows != 10 || sender.calls[1].rows != 5 {
		t.Fatalf("expected 10+5 rows, got %d+%d", sender.calls[0].rows, sender.calls[1].rows)
	}
	if len(st.published) != 15 {
		t.Fatalf("expected 15 publish marks, got %d", len(st.published))
	}
	if len(q.acked) != 15 || len(q.nacked) != 0 {
		t.Fatalf("expected all tasks acked, got acked=%d nacked=%d", len(q.acked), len(q.nacked))
	}
}

func TestRowRejectionIsolatesOnePerson(t *testing.T) {
	people := []models.Person{contactPerson(0), contactPerson(1), contactPerson(2)}
	st := &fakeStore{people: people}
	sender := &fakeSender{errs: []error{&RowRejected{Index: 1, Detail: "bad email"}}}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor(people)); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(st.dead) != 1 || st.dead[0].EntityID != "p1" {
		t.Fatalf("expected p1 dead-lettered, got %+v", st.dead)
	}
	if len(q.acked) != 1 || q.acked[0].ID != "p1" {
		t.Fatalf("dead-lettered task should ack, got %+v", q.acked)
	}
	if len(q.nacked) != 2 {
		t.Fatalf("the rest of the batch should retry, got %d nacks", len(q.nacked))
	}
}

func TestRateLimitRetriesWholeBatchWithHint(t *testing.T) {
	people := []models.Person{contactPerson(0), contactPerson(1)}
	st := &fakeStore{people: people}
	sender := &fakeSender{errs: []error{&syncerr.RateLimited{RetryAfter: 30 * time.Second}}}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor(people)); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("a rate limit should stop further calls, got %d", len(sender.calls))
	}
	if len(q.nacked) != 2 {
		t.Fatalf("expected both tasks nacked, got %d", len(q.nacked))
	}
	for _, d := range q.delays {
		if d != 30*time.Second {
			t.Fatalf("expected the server's 30s hint, got %s", d)
		}
	}
	if len(st.dead) != 0 {
		t.Fatal("rate limits must not dead-letter")
	}
}

func TestRateLimitRetriesUnreachedStatusKinds(t *testing.T) {
	// The contacts call rate-limits before the volunteers table is ever
	// attempted. The volunteer-only person still has a row to send, so
	// their task must retry, not ack.
	contact := contactPerson(0)
	vEmail := "volunteer@example.org"
	volunteer := models.Person{
		UUID:      "p1",
		Email:     &vEmail,
		Volunteer: models.StatusRecord{IsActive: true},
	}
	st := &fakeStore{people: []models.Person{contact, volunteer}}
	sender := &fakeSender{errs: []error{&syncerr.RateLimited{RetryAfter: 30 * time.Second}}}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor([]models.Person{contact, volunteer})); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("a rate limit should stop further calls, got %d", len(sender.calls))
	}
	if len(q.acked) != 0 {
		t.Fatalf("no task may ack before its rows are written, acked=%+v", q.acked)
	}
	if len(q.nacked) != 2 {
		t.Fatalf("expected both tasks nacked, got %d", len(q.nacked))
	}
	for _, d := range q.delays {
		if d != 30*time.Second {
			t.Fatalf("expected the server's 30s hint, got %s", d)
		}
	}
}

func TestAbortAfterPartialPublishStillRetriesTask(t *testing.T) {
	// First table succeeds, second rate-limits: the person's contact row is
	// marked published but the funder row is still owed, so the task
	// retries and the next run finishes the remainder.
	person := contactPerson(0)
	person.Funder = models.StatusRecord{IsActive: true}
	st := &fakeStore{people: []models.Person{person}}
	sender := &fakeSender{errs: []error{nil, &syncerr.RateLimited{RetryAfter: 30 * time.Second}}}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor([]models.Person{person})); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(st.published) != 1 || st.published[0].kind != models.StatusContact {
		t.Fatalf("expected only the contact row marked, got %+v", st.published)
	}
	if len(q.nacked) != 1 || len(q.acked) != 0 {
		t.Fatalf("task with unfinished rows must retry, got acked=%d nacked=%d", len(q.acked), len(q.nacked))
	}
}

func TestMultipleActiveStatusesPublishToEachTable(t *testing.T) {
	person := contactPerson(0)
	person.Funder = models.StatusRecord{IsActive: true}
	st := &fakeStore{people: []models.Person{person}}
	sender := &fakeSender{}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor([]models.Person{person})); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(sender.calls) != 2 {
		t.Fatalf("expected contacts + funders calls, got %+v", sender.calls)
	}
	tables := map[string]bool{}
	for _, c := range sender.calls {
		tables[c.table] = true
	}
	if !tables["contacts"] || !tables["funders"] {
		t.Fatalf("unexpected tables %+v", sender.calls)
	}
	if len(st.published) != 2 {
		t.Fatalf("expected 2 publish marks, got %+v", st.published)
	}
	if len(q.acked) != 1 {
		t.Fatalf("one task, one ack; got %d", len(q.acked))
	}
}

func TestInactivePersonAcksWithoutCalls(t *testing.T) {
	email := "quiet@example.org"
	person := models.Person{UUID: "p0", Email: &email}
	st := &fakeStore{people: []models.Person{person}}
	sender := &fakeSender{}
	q := &fakeQueue{}
	p := New(st, sender, q, config.GetLogger(), testSettings())

	if err := p.HandleBatch(context.Background(), tasksFor([]models.Person{person})); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("nothing to publish, got %d calls", len(sender.calls))
	}
	if len(q.acked) != 1 {
		t.Fatal("expected ack")
	}
}

func TestDeletedPersonAcks(t *testing.T) {
	st := &fakeStore{} // store returns no people
	q := &fakeQueue{}
	p := New(st, &fakeSender{}, q, config.GetLogger(), testSettings())

	task := syncqueue.Task{Kind: models.KindPublish, ID: "gone", Attempts: 1}
	if err := p.HandleBatch(context.Background(), []syncqueue.Task{task}); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(q.acked) != 1 {
		t.Fatal("task for a deleted person should ack")
	}
}
