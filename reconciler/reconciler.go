// Package reconciler turns change-queue tasks into local store state. Each
// task is handled independently: fetch the current upstream version, apply
// it with last-writer-wins, recompute whatever derived state the entity
// touches, then decide the task's disposition (ack, retry, dead-letter).
package reconciler

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

// Store is the slice of the local store the reconciler writes through.
type Store interface {
	Upsert(ctx context.Context, rec models.SyncRecord) (models.UpsertResult, error)
	RecomputeDonationSummary(ctx context.Context, personID string) (bool, error)
	RefreshPersonFlags(ctx context.Context, personID string) (bool, error)
	CreateDeadLetter(ctx context.Context, dl *models.DeadLetterTask) error
}

// Fetcher loads the current upstream version of one record.
type Fetcher interface {
	Fetch(ctx context.Context, kind models.EntityKind, id string) (models.SyncRecord, error)
}

type Reconciler struct {
	store    Store
	upstream Fetcher
	queue    syncqueue.Queue
	logger   *logrus.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func New(store Store, upstream Fetcher, queue syncqueue.Queue, logger *logrus.Logger, cfg *config.Settings) *Reconciler {
	return &Reconciler{
		store:          store,
		upstream:       upstream,
		queue:          queue,
		logger:         logger,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// HandleTask processes one dequeued sync task end to end, including its
// queue disposition. Publish tasks belong to the publisher and are rejected.
func (r *Reconciler) HandleTask(ctx context.Context, task syncqueue.Task) error {
	if task.Kind == models.KindPublish {
		return errors.New("publish tasks are not handled by the reconciler")
	}

	rec, err := r.upstream.Fetch(ctx, task.Kind, task.ID)
	if err != nil {
		return r.settleError(ctx, task, "fetch", err)
	}

	outcome, err := r.ApplyRecord(ctx, rec)
	if err != nil {
		return r.settleError(ctx, task, "apply", err)
	}

	r.logger.WithFields(logrus.Fields{
		"module":   "reconciler",
		"kind":     task.Kind,
		"id":       task.ID,
		"outcome":  outcome,
		"attempts": task.Attempts,
	}).Info("reconciled")
	return r.queue.Ack(ctx, task)
}

// ApplyRecord upserts one already-fetched record and settles its derived
// state: donation summaries, person flags, donor backfill, and the publish
// task when anything the destination shows changed. Used by the task path
// after a fetch and by the bulk seed, which pages whole feeds.
func (r *Reconciler) ApplyRecord(ctx context.Context, rec models.SyncRecord) (models.UpsertOutcome, error) {
	res, err := r.store.Upsert(ctx, rec)
	if err != nil {
		return "", err
	}

	if res.Outcome == models.UpsertStale {
		r.logger.WithFields(logrus.Fields{
			"module": "reconciler",
			"kind":   rec.Kind(),
			"id":     rec.RecordUUID(),
		}).Info("skipped stale upstream version")
		return res.Outcome, nil
	}

	reason := ""
	if res.StatusChanged {
		reason = "status_changed"
	}
	switch rec.Kind() {
	case models.KindPerson:
		// Published columns like name, phone and address change without
		// any status flag flipping; any genuinely newer version of the
		// person refreshes the destination rows.
		if reason == "" && res.DataChanged {
			reason = "fields_changed"
		}
	case models.KindDonation:
		changed, err := r.store.RecomputeDonationSummary(ctx, res.PersonID)
		if err != nil {
			return res.Outcome, err
		}
		if reason == "" && changed {
			reason = "summary_changed"
		}
		if res.BackfilledDonor {
			if err := r.queue.Enqueue(ctx, models.KindPerson, res.PersonID, "donor_backfill"); err != nil {
				return res.Outcome, err
			}
		}
	case models.KindSubmission:
		changed, err := r.store.RefreshPersonFlags(ctx, res.PersonID)
		if err != nil {
			return res.Outcome, err
		}
		if reason == "" && changed {
			reason = "status_changed"
		}
	}

	if reason != "" && res.PersonID != "" {
		if err := r.queue.Enqueue(ctx, models.KindPublish, res.PersonID, reason); err != nil {
			return res.Outcome, err
		}
	}
	return res.Outcome, nil
}

// settleError maps an error to the task's queue disposition. Terminal
// errors ack (dead-lettering first when the change would otherwise be
// lost); retryable errors nack with backoff until attempts run out.
func (r *Reconciler) settleError(ctx context.Context, task syncqueue.Task, stage string, err error) error {
	switch {
	case syncerr.IsNotFound(err):
		// Deleted or merged upstream. Nothing to mirror.
		r.logger.WithFields(logrus.Fields{
			"module": "reconciler",
			"kind":   task.Kind,
			"id":     task.ID,
			"stage":  stage,
		}).Info("record gone upstream, dropping task")
		return r.queue.Ack(ctx, task)

	case syncerr.IsAuth(err):
		config.LogError(r.logger, "reconciler", "HandleTask", stage, task, err)
		if derr := r.deadLetter(ctx, task, "auth", err); derr != nil {
			return derr
		}
		return r.queue.Ack(ctx, task)

	case syncerr.IsValidation(err):
		config.LogError(r.logger, "reconciler", "HandleTask", stage, task, err)
		if derr := r.deadLetter(ctx, task, "validation", err); derr != nil {
			return derr
		}
		return r.queue.Ack(ctx, task)
	}

	hint, _ := syncerr.RetryDelay(err)
	if task.Attempts >= r.maxAttempts {
		config.LogError(r.logger, "reconciler", "HandleTask", stage+": retries exhausted", task, err)
		if derr := r.deadLetter(ctx, task, "retries_exhausted", err); derr != nil {
			return derr
		}
		return r.queue.Ack(ctx, task)
	}

	delay := r.backoff(task.Attempts)
	if hint > delay {
		delay = hint
	}
	r.logger.WithFields(logrus.Fields{
		"module":   "reconciler",
		"kind":     task.Kind,
		"id":       task.ID,
		"stage":    stage,
		"attempts": task.Attempts,
		"delay":    delay.String(),
	}).Warn(err.Error())
	return r.queue.Nack(ctx, task, delay)
}

// backoff doubles per attempt from the initial delay, capped at the max.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.initialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}

func (r *Reconciler) deadLetter(ctx context.Context, task syncqueue.Task, code string, cause error) error {
	payload, _ := json.Marshal(task)
	return r.store.CreateDeadLetter(ctx, &models.DeadLetterTask{
		TaskID:      uuid.NewString(),
		EntityKind:  task.Kind,
		EntityID:    task.ID,
		Reason:      task.Reason,
		Attempts:    task.Attempts,
		ErrorCode:   code,
		LastError:   cause.Error(),
		PayloadJSON: payload,
	})
}
