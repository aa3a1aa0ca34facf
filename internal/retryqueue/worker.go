package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/observability"

	"go.uber.org/zap"
)

// Processor re-drives the work behind a job. A nil error completes the job.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// FailureHandler is told about every job that reaches the failed partition.
type FailureHandler interface {
	JobFailed(ctx context.Context, job Job)
}

// Sweeper reconciles orders outside the queue: it expires work that never started
// before cutoff and re-enqueues work that stopped moving before cutoff.
type Sweeper interface {
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)
	RecoverStalled(ctx context.Context, cutoff time.Time) (int, error)
}

// JobStore is the queue surface the worker drives.
type JobStore interface {
	Queued(ctx context.Context) ([]Job, error)
	Update(ctx context.Context, job Job) error
	Complete(ctx context.Context, job Job) (Job, error)
	Fail(ctx context.Context, job Job, reason string) (Job, error)
}

// WorkerConfig tunes the background loop.
type WorkerConfig struct {
	PollInterval   time.Duration
	Retention      time.Duration
	AttemptTimeout time.Duration
	// OrderTTL enables ExpireStale sweeps when positive and a Sweeper is set.
	OrderTTL time.Duration
	// StallAfter enables RecoverStalled sweeps when positive and a Sweeper is set.
	StallAfter time.Duration
	Now        func() time.Time
}

// Summary reports what one PollAndProcess pass did.
type Summary struct {
	Processed int
	Completed int
	Retried   int
	Failed    int
	Expired   int
}

// Worker processes queued jobs one at a time, oldest first.
type Worker struct {
	jobs      JobStore
	processor Processor
	failures  FailureHandler
	sweeper   Sweeper
	cfg       WorkerConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewWorker constructs a worker. failures, sweeper and metrics may be nil.
func NewWorker(jobs JobStore, processor Processor, failures FailureHandler, sweeper Sweeper, cfg WorkerConfig, logger *zap.Logger, metrics *observability.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:      jobs,
		processor: processor,
		failures:  failures,
		sweeper:   sweeper,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("retry worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	summary, err := w.PollAndProcess(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("retry poll failed", zap.Error(err))
	}
	if summary.Processed > 0 {
		w.logger.Info("retry poll finished",
			zap.Int("processed", summary.Processed),
			zap.Int("completed", summary.Completed),
			zap.Int("retried", summary.Retried),
			zap.Int("failed", summary.Failed),
		)
	}
	if expired, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("expire sweep failed", zap.Error(err))
	} else if expired > 0 {
		w.logger.Info("expired stale orders", zap.Int("count", expired))
	}
	if recovered, err := w.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("stalled order sweep failed", zap.Error(err))
	} else if recovered > 0 {
		w.logger.Warn("re-enqueued stalled orders", zap.Int("count", recovered))
	}
}

// Recover re-enqueues orders that have been processing longer than StallAfter.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	if w.sweeper == nil || w.cfg.StallAfter <= 0 {
		return 0, nil
	}
	n, err := w.sweeper.RecoverStalled(ctx, w.cfg.Now().Add(-w.cfg.StallAfter))
	if n > 0 {
		w.metrics.Incr("orders.recovered")
	}
	return n, err
}

// Sweep expires orders older than OrderTTL that never received a payment.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	if w.sweeper == nil || w.cfg.OrderTTL <= 0 {
		return 0, nil
	}
	n, err := w.sweeper.ExpireStale(ctx, w.cfg.Now().Add(-w.cfg.OrderTTL))
	if n > 0 {
		w.metrics.Incr("orders.expired")
	}
	return n, err
}

// PollAndProcess makes one pass over the queued jobs.
func (w *Worker) PollAndProcess(ctx context.Context) (Summary, error) {
	var summary Summary
	jobs, err := w.jobs.Queued(ctx)
	if err != nil {
		return summary, err
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++
		if err := w.process(ctx, job, &summary); err != nil {
			w.logger.Error("retry bookkeeping failed", zap.String("job_id", job.ID), zap.String("order_id", job.OrderID), zap.Error(err))
		}
	}
	return summary, nil
}

func (w *Worker) process(ctx context.Context, job Job, summary *Summary) error {
	now := w.cfg.Now().UTC()
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("order_id", job.OrderID))

	if w.cfg.Retention > 0 && job.Age(now) > w.cfg.Retention {
		summary.Failed++
		return w.fail(ctx, job, fmt.Sprintf("exceeded retention of %s", w.cfg.Retention), log)
	}
	if job.Exhausted() {
		summary.Failed++
		return w.fail(ctx, job, job.LastError, log)
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	}
	span := w.metrics.Start("retry.attempt")
	procErr := w.processor.Process(attemptCtx, job)
	cancel()
	span.End(procErr)

	job.Attempts++
	job.LastAttemptAt = &now
	if procErr == nil {
		if _, err := w.jobs.Complete(ctx, job); err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		summary.Completed++
		w.metrics.Incr("retry.completed")
		log.Info("retry job completed", zap.Int("attempts", job.Attempts))
		return nil
	}

	job.LastError = procErr.Error()
	if job.Exhausted() {
		summary.Failed++
		return w.fail(ctx, job, job.LastError, log)
	}
	if err := w.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	summary.Retried++
	w.metrics.Incr("retry.retried")
	log.Warn("retry attempt failed", zap.Int("attempts", job.Attempts), zap.Int("max_attempts", job.MaxAttempts), zap.Error(procErr))
	return nil
}

func (w *Worker) fail(ctx context.Context, job Job, reason string, log *zap.Logger) error {
	failed, err := w.jobs.Fail(ctx, job, reason)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	w.metrics.Incr("retry.failed")
	log.Error("retry job failed permanently", zap.Int("attempts", failed.Attempts), zap.String("reason", failed.LastError))
	if w.failures != nil {
		w.failures.JobFailed(ctx, failed)
	}
	return nil
}
