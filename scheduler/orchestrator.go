// Package scheduler runs the worker pool that drains the change queue and
// the periodic full scan that backstops missed webhooks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/greenfieldops/organizer_mirror/config"
	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
	"github.com/greenfieldops/organizer_mirror/syncqueue"
)

// TaskHandler reconciles entity changes: queued tasks one at a time, or
// already-fetched records directly during a bulk seed.
type TaskHandler interface {
	HandleTask(ctx context.Context, task syncqueue.Task) error
	ApplyRecord(ctx context.Context, rec models.SyncRecord) (models.UpsertOutcome, error)
}

// Lister pages an upstream entity feed.
type Lister interface {
	ListPage(ctx context.Context, kind models.EntityKind, cursor string, since time.Time) ([]models.SyncRecord, string, error)
}

// BatchHandler publishes a batch of publish tasks.
type BatchHandler interface {
	HandleBatch(ctx context.Context, tasks []syncqueue.Task) error
}

// ScanStore is the slice of the local store the full scan and the
// management surface read.
type ScanStore interface {
	AllPersonIDs(ctx context.Context) ([]string, error)
	RecentlyModifiedIDs(ctx context.Context, kind models.EntityKind, since time.Time) ([]string, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterTask, error)
	GetDeadLetter(ctx context.Context, id uint) (*models.DeadLetterTask, error)
	DeleteDeadLetter(ctx context.Context, id uint) error
}

type Orchestrator struct {
	queue      syncqueue.Queue
	reconciler TaskHandler
	publisher  BatchHandler
	lister     Lister
	store      ScanStore
	// locker elects one full-scan runner across processes; nil in
	// single-process dev runs.
	locker *redislock.Client
	logger *logrus.Logger

	workerCount  int
	batchSize    int
	scanInterval time.Duration
	recentWindow time.Duration
	lockKey      string
}

func New(queue syncqueue.Queue, rec TaskHandler, pub BatchHandler, lister Lister, st ScanStore, locker *redislock.Client, logger *logrus.Logger, cfg *config.Settings) *Orchestrator {
	return &Orchestrator{
		queue:        queue,
		reconciler:   rec,
		publisher:    pub,
		lister:       lister,
		store:        st,
		locker:       locker,
		logger:       logger,
		workerCount:  cfg.WorkerCount,
		batchSize:    cfg.DestMaxBatchSize,
		scanInterval: cfg.FullScanInterval,
		recentWindow: cfg.RecentWindow,
		lockKey:      cfg.QueueName + ":fullscan",
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks to
// settle. Unacked work redelivers after the visibility timeout either way.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.workerCount; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.workLoop(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.scanLoop(ctx)
	}()
	wg.Wait()
}

func (o *Orchestrator) workLoop(ctx context.Context, worker int) {
	for {
		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			config.LogError(o.logger, "scheduler", "workLoop", "dequeue", worker, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if task.Kind == models.KindPublish {
			batch := []syncqueue.Task{task}
			// Pull whatever other publish work is ready so destination
			// calls carry full batches.
			more, err := o.queue.Drain(ctx, models.KindPublish, o.batchSize-1)
			if err != nil {
				config.LogError(o.logger, "scheduler", "workLoop", "drain", worker, err)
			}
			batch = append(batch, more...)
			if err := o.publisher.HandleBatch(ctx, batch); err != nil {
				config.LogError(o.logger, "scheduler", "workLoop", "publish batch", len(batch), err)
			}
			continue
		}

		if err := o.reconciler.HandleTask(ctx, task); err != nil {
			config.LogError(o.logger, "scheduler", "workLoop", "handle task", task, err)
		}
	}
}

func (o *Orchestrator) scanLoop(ctx context.Context) {
	if o.scanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.runFullScan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				config.LogError(o.logger, "scheduler", "scanLoop", "full scan", nil, err)
			}
		}
	}
}

// TriggerFullScan runs a scan immediately, outside the timer. Used by the
// management API.
func (o *Orchestrator) TriggerFullScan(ctx context.Context) error {
	return o.runFullScan(ctx)
}

// runFullScan re-enqueues every person plus the recently modified
// donations, submissions and fundraising pages. Coalescing keeps the queue
// bounded: entities already pending absorb the scan's enqueue. Only one
// process scans at a time.
func (o *Orchestrator) runFullScan(ctx context.Context) error {
	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, o.lockKey, 5*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil
		}
		if err != nil {
			return err
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	start := time.Now()
	total := 0

	ids, err := o.store.AllPersonIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := o.queue.Enqueue(ctx, models.KindPerson, id, "full_scan"); err != nil {
			return err
		}
	}
	total += len(ids)

	since := start.Add(-o.recentWindow)
	for _, kind := range []models.EntityKind{models.KindDonation, models.KindSubmission, models.KindFundraisingPage} {
		ids, err := o.store.RecentlyModifiedIDs(ctx, kind, since)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := o.queue.Enqueue(ctx, kind, id, "full_scan"); err != nil {
				return err
			}
		}
		total += len(ids)
	}

	o.logger.WithFields(logrus.Fields{
		"module":   "scheduler",
		"enqueued": total,
		"took":     time.Since(start).String(),
	}).Info("full scan complete")
	return nil
}

func (o *Orchestrator) QueueDepth(ctx context.Context) (int, error) {
	return o.queue.Depth(ctx)
}

func (o *Orchestrator) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterTask, error) {
	return o.store.ListDeadLetters(ctx, limit)
}

// ResubmitDeadLetter puts a dead-lettered task back on the queue with a
// fresh attempt budget and removes the dead-letter row.
func (o *Orchestrator) ResubmitDeadLetter(ctx context.Context, id uint) error {
	dl, err := o.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, dl.EntityKind, dl.EntityID, "resubmitted"); err != nil {
		return err
	}
	return o.store.DeleteDeadLetter(ctx, id)
}

// Enqueue exposes the change queue to the webhook surface.
func (o *Orchestrator) Enqueue(ctx context.Context, kind models.EntityKind, id, reason string) error {
	return o.queue.Enqueue(ctx, kind, id, reason)
}

// seedKinds is dependency order: pages and people before the records that
// reference them, which keeps placeholder backfills to a minimum.
var seedKinds = []models.EntityKind{
	models.KindFundraisingPage,
	models.KindPerson,
	models.KindSubmission,
	models.KindDonation,
}

// SeedFromUpstream pages every upstream feed and applies each record
// directly, populating an empty mirror or catching up after long downtime.
// A zero since seeds from the beginning of each feed. The cursor is
// resumable, so a rate limit pauses the walk instead of restarting it.
func (o *Orchestrator) SeedFromUpstream(ctx context.Context, since time.Time) (int, error) {
	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, o.lockKey+":seed", 30*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return 0, errors.New("a seed is already running")
		}
		if err != nil {
			return 0, err
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	total := 0
	for _, kind := range seedKinds {
		cursor := ""
		for {
			records, next, err := o.lister.ListPage(ctx, kind, cursor, since)
			if err != nil {
				var rl *syncerr.RateLimited
				if errors.As(err, &rl) {
					delay := rl.RetryAfter
					if delay <= 0 {
						delay = 30 * time.Second
					}
					select {
					case <-ctx.Done():
						return total, ctx.Err()
					case <-time.After(delay):
					}
					continue
				}
				return total, err
			}
			for _, rec := range records {
				if _, err := o.reconciler.ApplyRecord(ctx, rec); err != nil {
					config.LogError(o.logger, "scheduler", "SeedFromUpstream", string(kind), rec.RecordUUID(), err)
					continue
				}
				total++
			}
			if next == "" {
				break
			}
			cursor = next
		}
		o.logger.WithFields(logrus.Fields{
			"module": "scheduler",
			"kind":   kind,
			"seeded": total,
		}).Info("feed seeded")
	}
	return total, nil
}
