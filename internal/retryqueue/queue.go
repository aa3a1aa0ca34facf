package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Config controls key layout and retry bounds.
type Config struct {
	// Prefix namespaces every key, e.g. "domainflow:retry".
	Prefix      string
	MaxAttempts int
	Now         func() time.Time
}

// Queue persists retry jobs in Redis.
//
// Layout:
//
//	<prefix>:queued        hash  jobID -> job JSON
//	<prefix>:queued:index  zset  jobID scored by enqueue time (ms)
//	<prefix>:completed     hash  jobID -> job JSON
//	<prefix>:failed        hash  jobID -> job JSON
//	<prefix>:active        hash  orderID -> queued jobID
//
// Every partition move runs in a WATCH/MULTI/EXEC transaction.
type Queue struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
	now         func() time.Time
}

// New constructs a Redis-backed queue.
func New(client redis.UniversalClient, cfg Config) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "domainflow:retry"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		client:      client,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		now:         now,
	}
}

func (q *Queue) key(part string) string {
	return q.prefix + ":" + part
}

func (q *Queue) queuedKey() string {
	return q.key(string(StatusQueued))
}

// indexKey orders queued jobs by enqueue time.
func (q *Queue) indexKey() string {
	return q.key("queued:index")
}

// activeKey maps an order to its queued job.
func (q *Queue) activeKey() string {
	return q.key("active")
}

func (q *Queue) partition(s Status) string {
	return q.key(string(s))
}

// Enqueue stores a new queued job for orderID. When the order already has a queued
// job, that job is returned unchanged and no second job is created.
func (q *Queue) Enqueue(ctx context.Context, orderID string, payload json.RawMessage, reason Reason) (Job, error) {
	if orderID == "" {
		return Job{}, fmt.Errorf("%w: order id is required", ErrInvalidJob)
	}
	now := q.now().UTC()
	job := Job{
		ID:          jobID(orderID, now),
		OrderID:     orderID,
		Payload:     payload,
		Reason:      reason,
		MaxAttempts: q.maxAttempts,
		QueuedAt:    now,
		Status:      StatusQueued,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}

	var result Job
	txf := func(tx *redis.Tx) error {
		existingID, err := tx.HGet(ctx, q.activeKey(), orderID).Result()
		switch {
		case err == nil:
			raw, err := tx.HGet(ctx, q.queuedKey(), existingID).Result()
			if err == nil {
				existing, err := decodeJob(raw)
				if err != nil {
					return err
				}
				result = existing
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				return err
			}
			// Index entry without a queued job; replace it.
		case !errors.Is(err, redis.Nil):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.activeKey(), orderID, job.ID)
			pipe.HSet(ctx, q.queuedKey(), job.ID, data)
			pipe.ZAdd(ctx, q.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
			return nil
		})
		if err == nil {
			result = job
		}
		return err
	}

	if err := q.watch(ctx, txf, q.activeKey()); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", orderID, err)
	}
	return result, nil
}

// Queued returns queued jobs oldest first.
func (q *Queue) Queued(ctx context.Context) ([]Job, error) {
	ids, err := q.client.ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.queuedKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load queued: %w", err)
	}
	jobs := make([]Job, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// List returns every job in a terminal partition, or the queued jobs oldest first.
func (q *Queue) List(ctx context.Context, status Status) ([]Job, error) {
	if status == StatusQueued {
		return q.Queued(ctx)
	}
	vals, err := q.client.HVals(ctx, q.partition(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	jobs := make([]Job, 0, len(vals))
	for _, raw := range vals {
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Update rewrites a queued job (attempt counters, last error).
func (q *Queue) Update(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, q.queuedKey(), job.ID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.queuedKey(), job.ID, data)
			return nil
		})
		return err
	}, q.queuedKey())
}

// Complete moves a queued job to the completed partition.
func (q *Queue) Complete(ctx context.Context, job Job) (Job, error) {
	at := q.now().UTC()
	job.Status = StatusCompleted
	job.FinishedAt = &at
	return job, q.move(ctx, job)
}

// Fail moves a queued job to the failed partition with reason as its last error.
func (q *Queue) Fail(ctx context.Context, job Job, reason string) (Job, error) {
	at := q.now().UTC()
	job.Status = StatusFailed
	job.FinishedAt = &at
	if reason != "" {
		job.LastError = reason
	}
	return job, q.move(ctx, job)
}

func (q *Queue) move(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, q.queuedKey(), job.ID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.queuedKey(), job.ID)
			pipe.ZRem(ctx, q.indexKey(), job.ID)
			pipe.HDel(ctx, q.activeKey(), job.OrderID)
			pipe.HSet(ctx, q.partition(job.Status), job.ID, data)
			return nil
		})
		return err
	}, q.queuedKey(), q.activeKey())
}

// Status counts the jobs in each partition.
func (q *Queue) Status(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	queued := pipe.HLen(ctx, q.queuedKey())
	completed := pipe.HLen(ctx, q.partition(StatusCompleted))
	failed := pipe.HLen(ctx, q.partition(StatusFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue status: %w", err)
	}
	counts := Counts{
		Queued:    queued.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	counts.Total = counts.Queued + counts.Completed + counts.Failed
	return counts, nil
}

func (q *Queue) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
