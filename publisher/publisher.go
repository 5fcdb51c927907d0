// Package publisher mirrors locally-derived person state to the destination
// platform. Each active status sub-record maps to a row in its own table,
// keyed by email. Publish tasks arrive batched from the change queue and
// are written in destination-sized chunks.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
	"github.com/greenfieldops/organizer_mirror/syncqueue"
)

// Store is the slice of the local store the publisher reads and writes back.
type Store interface {
	PeopleByIDs(ctx context.Context, ids []string) ([]models.Person, error)
	ExternalInfoByEmails(ctx context.Context, emails []string) (map[string]models.ExternalInfo, error)
	MarkPublished(ctx context.Context, personID string, kind models.StatusKind, recordID string, at time.Time) error
	CreateDeadLetter(ctx context.Context, dl *models.DeadLetterTask) error
}

var statusKinds = []models.StatusKind{models.StatusContact, models.StatusVolunteer, models.StatusFunder}

func tableFor(kind models.StatusKind) string {
	switch kind {
	case models.StatusContact:
		return "contacts"
	case models.StatusVolunteer:
		return "volunteers"
	case models.StatusFunder:
		return "funders"
	}
	return ""
}

type Publisher struct {
	store  Store
	sender RowSender
	queue  syncqueue.Queue
	logger *logrus.Logger

	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func New(store Store, sender RowSender, queue syncqueue.Queue, logger *logrus.Logger, cfg *config.Settings) *Publisher {
	return &Publisher{
		store:          store,
		sender:         sender,
		queue:          queue,
		logger:         logger,
		batchSize:      cfg.DestMaxBatchSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

type settleState int

const (
	settleAck settleState = iota
	settleDead
	settleRetry
)

type settlement struct {
	state settleState
	delay time.Duration
	cause error
	code  string
}

// HandleBatch publishes the people named by a batch of publish tasks and
// settles every task with the queue. A person publishes to one table per
// active status; the task acks only when all of them succeeded.
func (p *Publisher) HandleBatch(ctx context.Context, tasks []syncqueue.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	byPerson := make(map[string]syncqueue.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := byPerson[t.ID]; !ok {
			ids = append(ids, t.ID)
		}
		byPerson[t.ID] = t
	}

	people, err := p.store.PeopleByIDs(ctx, ids)
	if err != nil {
		return p.settleAll(ctx, tasks, err)
	}
	personByID := make(map[string]*models.Person, len(people))
	emails := make([]string, 0, len(people))
	for i := range people {
		personByID[people[i].UUID] = &people[i]
		if e := people[i].EmailOrEmpty(); e != "" {
			emails = append(emails, e)
		}
	}
	ext, err := p.store.ExternalInfoByEmails(ctx, emails)
	if err != nil {
		return p.settleAll(ctx, tasks, err)
	}

	states := make(map[string]*settlement, len(byPerson))
	for id := range byPerson {
		states[id] = &settlement{state: settleAck}
	}
	// pending counts each person's not-yet-published active tables, so an
	// aborted run can tell who still has outstanding work.
	pending := make(map[string]int, len(byPerson))
	for id := range byPerson {
		person, ok := personByID[id]
		if !ok || person.EmailOrEmpty() == "" {
			continue
		}
		for _, kind := range statusKinds {
			if person.Status(kind).IsActive {
				pending[id]++
			}
		}
	}

	abort := false
	var abortDelay time.Duration
	var abortCause error
	for _, kind := range statusKinds {
		if abort {
			break
		}
		var refs []*models.Person
		for _, id := range ids {
			person, ok := personByID[id]
			if !ok || states[id].state != settleAck {
				continue
			}
			if person.Status(kind).IsActive && person.EmailOrEmpty() != "" {
				refs = append(refs, person)
			}
		}
		for start := 0; start < len(refs) && !abort; start += p.batchSize {
			end := min(start+p.batchSize, len(refs))
			abort, abortDelay, abortCause = p.publishChunk(ctx, kind, refs[start:end], ext, states, pending)
		}
	}
	if abort {
		// Nothing is sent after an abort. Everyone with outstanding rows
		// retries, including people whose only table the run never reached.
		for id, s := range states {
			if pending[id] > 0 {
				s.retry(abortDelay, abortCause)
			}
		}
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if err := p.settle(ctx, t, states[t.ID], now); err != nil {
			return err
		}
	}
	return nil
}

// publishChunk sends one destination-sized batch. It reports whether the
// whole run must abort (rate limit, outage, bad credentials) along with
// the abort's retry delay and cause; the caller marks everyone still
// pending for retry. Rows that reach the destination decrement pending.
func (p *Publisher) publishChunk(ctx context.Context, kind models.StatusKind, chunk []*models.Person, ext map[string]models.ExternalInfo, states map[string]*settlement, pending map[string]int) (bool, time.Duration, error) {
	rows := make([]Row, len(chunk))
	for i, person := range chunk {
		rows[i] = p.rowFor(kind, person, ext[person.EmailOrEmpty()])
	}

	recordIDs, err := p.sender.UpsertRows(ctx, tableFor(kind), rows)
	if err == nil {
		for i, person := range chunk {
			pending[person.UUID]--
			if merr := p.store.MarkPublished(ctx, person.UUID, kind, recordIDs[i], time.Now().UTC()); merr != nil {
				config.LogError(p.logger, "publisher", "publishChunk", "mark_published", person.UUID, merr)
				states[person.UUID].retry(0, merr)
			}
		}
		return false, 0, nil
	}

	var rejected *RowRejected
	switch {
	case errors.As(err, &rejected):
		for i, person := range chunk {
			if i == rejected.Index {
				s := states[person.UUID]
				s.state = settleDead
				s.code = "validation"
				s.cause = err
				continue
			}
			// The rest of the chunk was not written; send it again promptly.
			states[person.UUID].retry(0, err)
		}
		return false, 0, nil

	case syncerr.IsAuth(err):
		config.LogError(p.logger, "publisher", "publishChunk", "credentials rejected", tableFor(kind), err)
		return true, p.maxBackoff, err

	case syncerr.IsValidation(err):
		// Rejection without a row pointer: every row is suspect.
		for _, person := range chunk {
			s := states[person.UUID]
			s.state = settleDead
			s.code = "validation"
			s.cause = err
		}
		return false, 0, nil

	default:
		hint, _ := syncerr.RetryDelay(err)
		return true, hint, err
	}
}

func (s *settlement) retry(delay time.Duration, cause error) {
	if s.state == settleDead {
		return
	}
	s.state = settleRetry
	if delay > s.delay {
		s.delay = delay
	}
	s.cause = cause
}

func (p *Publisher) settle(ctx context.Context, task syncqueue.Task, s *settlement, now time.Time) error {
	if s == nil {
		return p.queue.Ack(ctx, task)
	}
	switch s.state {
	case settleDead:
		if err := p.deadLetter(ctx, task, s.code, s.cause); err != nil {
			return err
		}
		return p.queue.Ack(ctx, task)
	case settleRetry:
		if task.Attempts >= p.maxAttempts {
			config.LogError(p.logger, "publisher", "settle", "retries exhausted", task, s.cause)
			if err := p.deadLetter(ctx, task, "retries_exhausted", s.cause); err != nil {
				return err
			}
			return p.queue.Ack(ctx, task)
		}
		delay := p.backoff(task.Attempts)
		if s.delay > delay {
			delay = s.delay
		}
		p.logger.WithFields(logrus.Fields{
			"module":   "publisher",
			"person":   task.ID,
			"attempts": task.Attempts,
			"delay":    delay.String(),
		}).Warn(s.cause.Error())
		return p.queue.Nack(ctx, task, delay)
	default:
		return p.queue.Ack(ctx, task)
	}
}

// settleAll handles a failure before any destination call was made.
func (p *Publisher) settleAll(ctx context.Context, tasks []syncqueue.Task, cause error) error {
	config.LogError(p.logger, "publisher", "HandleBatch", "loading batch", len(tasks), cause)
	now := time.Now().UTC()
	for _, t := range tasks {
		s := &settlement{state: settleRetry, cause: cause}
		if err := p.settle(ctx, t, s, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) backoff(attempts int) time.Duration {
	d := p.initialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	if d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

func (p *Publisher) deadLetter(ctx context.Context, task syncqueue.Task, code string, cause error) error {
	payload, _ := json.Marshal(task)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return p.store.CreateDeadLetter(ctx, &models.DeadLetterTask{
		TaskID:      uuid.NewString(),
		EntityKind:  task.Kind,
		EntityID:    task.ID,
		Reason:      task.Reason,
		Attempts:    task.Attempts,
		ErrorCode:   code,
		LastError:   msg,
		PayloadJSON: payload,
	})
}
