package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/greenfieldops/organizer_mirror/models"
)

// RedisQueue is the durable Queue used in production. Layout:
//
//	{name}:ready    ZSET  task key -> ready-at (unix ms)
//	{name}:inflight ZSET  task key -> visibility deadline (unix ms)
//	{name}:tasks    HASH  task key -> payload JSON
//	{name}:wake     pub/sub channel poked on every enqueue
//
// Mutations run under a short redislock so coalescing enqueue and claim are
// atomic across worker processes; the lock is held per operation, never
// across a network call to an external system.
type RedisQueue struct {
	rdb        *redis.Client
	locker     *redislock.Client
	name       string
	visibility time.Duration
	sub        *redis.PubSub
}

type taskPayload struct {
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Redeliver  bool      `json:"redeliver,omitempty"`
}

func NewRedisQueue(rdb *redis.Client, locker *redislock.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		rdb:        rdb,
		locker:     locker,
		name:       name,
		visibility: visibility,
		sub:        rdb.Subscribe(context.Background(), name+":wake"),
	}
}

func (q *RedisQueue) Close() error { return q.sub.Close() }

func (q *RedisQueue) keyReady() string    { return q.name + ":ready" }
func (q *RedisQueue) keyInflight() string { return q.name + ":inflight" }
func (q *RedisQueue) keyTasks() string    { return q.name + ":tasks" }
func (q *RedisQueue) keyWake() string     { return q.name + ":wake" }

func (q *RedisQueue) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lock, err := q.locker.Obtain(ctx, q.name+":mutex", 10*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	})
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

func (q *RedisQueue) Enqueue(ctx context.Context, kind models.EntityKind, id string, reason string) error {
	key := Task{Kind: kind, ID: id}.Key()
	err := q.withLock(ctx, func(ctx context.Context) error {
		existing, err := q.rdb.HGet(ctx, q.keyTasks(), key).Result()
		switch {
		case err == nil:
			inflight, ierr := q.rdb.ZScore(ctx, q.keyInflight(), key).Result()
			if ierr == nil && inflight > 0 {
				// In flight right now: mark for one redelivery after it settles.
				var p taskPayload
				if jerr := json.Unmarshal([]byte(existing), &p); jerr != nil {
					p = taskPayload{Reason: reason, EnqueuedAt: time.Now().UTC()}
				}
				p.Redeliver = true
				return q.hsetPayload(ctx, key, p)
			}
			// Already pending: coalesce, nothing to do.
			return nil
		case errors.Is(err, redis.Nil):
			p := taskPayload{Reason: reason, EnqueuedAt: time.Now().UTC()}
			if err := q.hsetPayload(ctx, key, p); err != nil {
				return err
			}
			return q.rdb.ZAdd(ctx, q.keyReady(), redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: key,
			}).Err()
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	return q.rdb.Publish(ctx, q.keyWake(), key).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		var task Task
		var found bool
		err := q.withLock(ctx, func(ctx context.Context) error {
			now := time.Now()
			if err := q.reclaim(ctx, now); err != nil {
				return err
			}
			var err error
			task, found, err = q.claimOne(ctx, now, "")
			return err
		})
		if err != nil {
			return Task{}, err
		}
		if found {
			return task, nil
		}

		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, ctx.Err()
		case <-q.sub.Channel():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) Drain(ctx context.Context, kind models.EntityKind, max int) ([]Task, error) {
	var tasks []Task
	err := q.withLock(ctx, func(ctx context.Context) error {
		now := time.Now()
		if err := q.reclaim(ctx, now); err != nil {
			return err
		}
		for len(tasks) < max {
			task, found, err := q.claimOne(ctx, now, kind)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.withLock(ctx, func(ctx context.Context) error {
		key := task.Key()
		if err := q.rdb.ZRem(ctx, q.keyInflight(), key).Err(); err != nil {
			return err
		}
		raw, err := q.rdb.HGet(ctx, q.keyTasks(), key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var p taskPayload
		if json.Unmarshal([]byte(raw), &p) == nil && p.Redeliver {
			// A webhook landed while we were working: run one more sync.
			p.Redeliver = false
			p.EnqueuedAt = time.Now().UTC()
			if err := q.hsetPayload(ctx, key, p); err != nil {
				return err
			}
			return q.rdb.ZAdd(ctx, q.keyReady(), redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: key,
			}).Err()
		}
		return q.rdb.HDel(ctx, q.keyTasks(), key).Err()
	})
}

func (q *RedisQueue) Nack(ctx context.Context, task Task, delay time.Duration) error {
	return q.withLock(ctx, func(ctx context.Context) error {
		key := task.Key()
		if err := q.rdb.ZRem(ctx, q.keyInflight(), key).Err(); err != nil {
			return err
		}
		p := taskPayload{Reason: task.Reason, Attempts: task.Attempts, EnqueuedAt: task.EnqueuedAt}
		if raw, err := q.rdb.HGet(ctx, q.keyTasks(), key).Result(); err == nil {
			var prior taskPayload
			if json.Unmarshal([]byte(raw), &prior) == nil {
				p.Redeliver = prior.Redeliver
			}
		}
		if err := q.hsetPayload(ctx, key, p); err != nil {
			return err
		}
		return q.rdb.ZAdd(ctx, q.keyReady(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: key,
		}).Err()
	})
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.rdb.HLen(ctx, q.keyTasks()).Result()
	return int(n), err
}

// reclaim moves expired in-flight tasks back to ready. Redelivery after a
// worker crash is the recovery mechanism: no task is lost.
func (q *RedisQueue) reclaim(ctx context.Context, now time.Time) error {
	expired, err := q.rdb.ZRangeByScore(ctx, q.keyInflight(), &redis.ZRangeBy{
		Min: "-inf", Max: formatMs(now),
	}).Result()
	if err != nil {
		return err
	}
	for _, key := range expired {
		if err := q.rdb.ZRem(ctx, q.keyInflight(), key).Err(); err != nil {
			return err
		}
		if err := q.rdb.ZAdd(ctx, q.keyReady(), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: key,
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) claimOne(ctx context.Context, now time.Time, kind models.EntityKind) (Task, bool, error) {
	offset := int64(0)
	for {
		keys, err := q.rdb.ZRangeByScore(ctx, q.keyReady(), &redis.ZRangeBy{
			Min: "-inf", Max: formatMs(now), Offset: offset, Count: 50,
		}).Result()
		if err != nil {
			return Task{}, false, err
		}
		if len(keys) == 0 {
			return Task{}, false, nil
		}
		for _, key := range keys {
			k, id := taskFromKey(key)
			if kind != "" && k != kind {
				continue
			}
			raw, err := q.rdb.HGet(ctx, q.keyTasks(), key).Result()
			if errors.Is(err, redis.Nil) {
				q.rdb.ZRem(ctx, q.keyReady(), key)
				continue
			}
			if err != nil {
				return Task{}, false, err
			}
			var p taskPayload
			if jerr := json.Unmarshal([]byte(raw), &p); jerr != nil {
				p = taskPayload{EnqueuedAt: now.UTC()}
			}
			p.Attempts++
			if err := q.hsetPayload(ctx, key, p); err != nil {
				return Task{}, false, err
			}
			if err := q.rdb.ZRem(ctx, q.keyReady(), key).Err(); err != nil {
				return Task{}, false, err
			}
			if err := q.rdb.ZAdd(ctx, q.keyInflight(), redis.Z{
				Score:  float64(now.Add(q.visibility).UnixMilli()),
				Member: key,
			}).Err(); err != nil {
				return Task{}, false, err
			}
			return Task{
				Kind:       k,
				ID:         id,
				Reason:     p.Reason,
				Attempts:   p.Attempts,
				EnqueuedAt: p.EnqueuedAt,
			}, true, nil
		}
		offset += int64(len(keys))
	}
}

func (q *RedisQueue) hsetPayload(ctx context.Context, key string, p taskPayload) error {
	b, _ := json.Marshal(p)
	return q.rdb.HSet(ctx, q.keyTasks(), key, b).Err()
}

func formatMs(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
