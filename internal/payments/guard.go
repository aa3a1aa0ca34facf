package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/observability"
	"domainflow/internal/orders"
	"domainflow/internal/retryqueue"
	"domainflow/internal/saga"

	"go.uber.org/zap"
)

// Executor runs the registration saga for a processing order.
type Executor func(ctx context.Context, order orders.Order) (*saga.Execution, error)

// Enqueuer hands an order to the durable retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string, payload json.RawMessage, reason retryqueue.Reason) (retryqueue.Job, error)
}

// Result is what the guard observed. Job is set when a retry job was enqueued.
type Result struct {
	Execution *saga.Execution
	Err       error
	Job       *retryqueue.Job
}

// Guard races a saga execution against a deadline.
type Guard struct {
	execute    Executor
	queue      Enqueuer
	background time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewGuard constructs a Guard. background bounds a detached attempt; zero leaves it unbounded.
func NewGuard(execute Executor, queue Enqueuer, background time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		execute:    execute,
		queue:      queue,
		background: background,
		logger:     logger,
		metrics:    metrics,
	}
}

// RunBounded starts the saga and waits at most deadline for it. On timeout the attempt keeps
// running detached from ctx, one retry job is enqueued and timedOut is true. A transient saga
// error also enqueues a retry job.
func (g *Guard) RunBounded(ctx context.Context, order orders.Order, payload json.RawMessage, deadline time.Duration) (Result, bool) {
	runCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if g.background > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, g.background)
	}

	done := make(chan Result, 1)
	go func() {
		defer cancel()
		exec, err := g.execute(runCtx, order)
		if err != nil && g.background > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("background saga attempt exceeded its budget", zap.String("order_id", order.ID), zap.Error(err))
		}
		done <- Result{Execution: exec, Err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	log := g.logger.With(zap.String("order_id", order.ID))
	select {
	case res := <-done:
		if res.Err != nil && saga.IsTransient(res.Err) {
			job, err := g.enqueue(ctx, order.ID, payload, retryqueue.ReasonError)
			if err != nil {
				res.Err = errors.Join(res.Err, err)
				return res, false
			}
			res.Job = &job
			log.Warn("saga failed transiently, retry queued", zap.String("job_id", job.ID), zap.Error(res.Err))
		}
		return res, false

	case <-timer.C:
	case <-ctx.Done():
	}

	g.metrics.Incr("saga.timeout")
	job, err := g.enqueue(ctx, order.ID, payload, retryqueue.ReasonTimeout)
	if err != nil {
		log.Error("enqueue after timeout failed", zap.Error(err))
		return Result{Err: err}, true
	}
	log.Warn("saga exceeded deadline, continuing in background", zap.Duration("deadline", deadline), zap.String("job_id", job.ID))
	return Result{Job: &job}, true
}

func (g *Guard) enqueue(ctx context.Context, orderID string, payload json.RawMessage, reason retryqueue.Reason) (retryqueue.Job, error) {
	job, err := g.queue.Enqueue(context.WithoutCancel(ctx), orderID, payload, reason)
	if err != nil {
		return retryqueue.Job{}, fmt.Errorf("enqueue retry for %s: %w", orderID, err)
	}
	g.metrics.Incr("retry.enqueued")
	return job, nil
}
