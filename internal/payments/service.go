package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/ledger"
	"domainflow/internal/observability"
	"domainflow/internal/orders"
	"domainflow/internal/retryqueue"
	"domainflow/internal/saga"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome is the result of ingesting one notification.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeQueued       Outcome = "queued"
	OutcomePending      Outcome = "pending"
	OutcomeUnderpaid    Outcome = "underpaid"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeCredited     Outcome = "credited"
	OutcomeUnknownOrder Outcome = "unknown_order"
)

// SagaRunner executes the registration saga.
type SagaRunner interface {
	Execute(ctx context.Context, order orders.Order) (*saga.Execution, error)
}

// Config tunes reconciliation.
type Config struct {
	// Deadline bounds the inline saga run of a webhook request.
	Deadline time.Duration
	// BackgroundBudget bounds an attempt that outlived Deadline; zero leaves it unbounded.
	BackgroundBudget  time.Duration
	ReplayTTL         time.Duration
	ReplayCapacity    uint64
	OperatorAccountID string
	Now               func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Orders   orders.Store
	Receipts ReceiptStore
	Ledger   ledger.Ledger
	Saga     SagaRunner
	Queue    Enqueuer
	Notifier saga.Notifier
	Review   saga.ReviewSink
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Service ingests payment notifications and drives paid orders through the saga.
type Service struct {
	orders   orders.Store
	receipts ReceiptStore
	ledger   ledger.Ledger
	saga     SagaRunner
	queue    Enqueuer
	notifier saga.Notifier
	review   saga.ReviewSink
	guard    *Guard
	replay   *ttlcache.Cache[string, Outcome]
	flight   singleflight.Group
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewService constructs a Service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 25 * time.Second
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 10 * time.Minute
	}
	if cfg.ReplayCapacity == 0 {
		cfg.ReplayCapacity = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = saga.NoopNotifier{}
	}
	if deps.Review == nil {
		deps.Review = saga.NoopReviewSink{}
	}
	s := &Service{
		orders:   deps.Orders,
		receipts: deps.Receipts,
		ledger:   deps.Ledger,
		saga:     deps.Saga,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		review:   deps.Review,
		replay: ttlcache.New[string, Outcome](
			ttlcache.WithTTL[string, Outcome](cfg.ReplayTTL),
			ttlcache.WithCapacity[string, Outcome](cfg.ReplayCapacity),
			ttlcache.WithDisableTouchOnHit[string, Outcome](),
		),
		cfg:     cfg,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  otel.Tracer("domainflow/payments"),
	}
	s.guard = NewGuard(s.execute, deps.Queue, cfg.BackgroundBudget, deps.Logger, deps.Metrics)
	return s
}

// Ingest applies one provider notification to an order.
func (s *Service) Ingest(ctx context.Context, orderID string, n Notification) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "payments.Ingest", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.provider", string(n.Provider)),
		attribute.String("payment.txid", n.TxID),
	))
	defer span.End()

	log := s.logger.With(zap.String("order_id", orderID), zap.String("txid", n.TxID), zap.String("provider", string(n.Provider)))

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("notification for unknown order")
		return OutcomeUnknownOrder, fmt.Errorf("ingest %s: %w", orderID, err)
	}
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", orderID, err)
	}
	if !n.Confirmed {
		log.Info("payment not yet confirmed", zap.Int("confirmations", n.Confirmations))
		return OutcomePending, nil
	}

	key := n.Key(orderID)
	if item := s.replay.Get(key); item != nil {
		s.metrics.Incr("webhook.duplicate")
		log.Info("replayed notification", zap.String("first_outcome", string(item.Value())))
		return OutcomeDuplicate, nil
	}

	receipt := Receipt{
		OrderID:       orderID,
		TxID:          n.TxID,
		Provider:      n.Provider,
		PaidAmount:    n.PaidAmount,
		Confirmations: n.Confirmations,
		ReceivedAt:    s.cfg.Now().UTC(),
	}

	var outcome Outcome
	if order.Status == orders.StatusPending {
		if _, err := s.receipts.Record(ctx, receipt); err != nil {
			return "", fmt.Errorf("record receipt: %w", err)
		}
		// A pending order is reconciled even for a known receipt: an earlier delivery may have
		// stopped before its transition. Credits and transitions are idempotent.
		outcome, err = s.reconcile(ctx, order, n, log)
	} else {
		outcome, err = s.settle(ctx, order, n, receipt, log)
	}
	if err != nil {
		return "", err
	}
	if outcome == OutcomeDuplicate {
		s.metrics.Incr("webhook.duplicate")
	}
	s.replay.Set(key, outcome, ttlcache.DefaultTTL)
	return outcome, nil
}

func (s *Service) reconcile(ctx context.Context, order orders.Order, n Notification, log *zap.Logger) (Outcome, error) {
	required := order.ExpectedAmount
	reference := n.Key(order.ID)

	switch n.PaidAmount.Cmp(required) {
	case -1:
		shortfall, err := required.Sub(n.PaidAmount)
		if err != nil {
			return "", fmt.Errorf("shortfall: %w", err)
		}
		if n.PaidAmount.Sign() > 0 {
			if _, _, err := s.ledger.Credit(ctx, order.PayerID, n.PaidAmount, ledger.ReasonUnderpaymentCredit, reference); err != nil {
				return "", fmt.Errorf("credit underpayment: %w", err)
			}
		}
		if _, err := s.orders.Transition(ctx, order.ID, orders.StatusPending, orders.StatusFailed, s.cfg.Now()); err != nil {
			if errors.Is(err, orders.ErrStatusConflict) {
				return OutcomeDuplicate, nil
			}
			return "", fmt.Errorf("fail underpaid order: %w", err)
		}
		log.Info("order underpaid", zap.Stringer("paid", n.PaidAmount), zap.Stringer("required", required))
		s.metrics.Incr("payment.underpaid")
		s.notify(ctx, order.PayerID, saga.TemplatePaymentUnderpaid, map[string]any{
			"order_id":    order.ID,
			"domain_name": order.Params.DomainName,
			"paid":        n.PaidAmount.String(),
			"required":    required.String(),
			"shortfall":   shortfall.String(),
			"credited":    n.PaidAmount.String(),
		}, log)
		return OutcomeUnderpaid, nil

	case 1:
		excess, err := n.PaidAmount.Sub(required)
		if err != nil {
			return "", fmt.Errorf("excess: %w", err)
		}
		// The credit lands before the transition so a failed credit leaves the order pending
		// and a replayed delivery reconciles it again. The reference makes the credit idempotent.
		_, created, err := s.ledger.Credit(ctx, order.PayerID, excess, ledger.ReasonOverpaymentCredit, reference)
		if err != nil {
			return "", fmt.Errorf("credit overpayment: %w", err)
		}
		processing, err := s.orders.Transition(ctx, order.ID, orders.StatusPending, orders.StatusProcessing, s.cfg.Now())
		if err != nil {
			if errors.Is(err, orders.ErrStatusConflict) {
				return OutcomeDuplicate, nil
			}
			return "", fmt.Errorf("start processing: %w", err)
		}
		if created {
			s.metrics.Incr("payment.overpaid")
			s.notify(ctx, order.PayerID, saga.TemplatePaymentOverpaid, map[string]any{
				"order_id":    order.ID,
				"domain_name": order.Params.DomainName,
				"paid":        n.PaidAmount.String(),
				"required":    required.String(),
				"credited":    excess.String(),
			}, log)
		}
		return s.run(ctx, processing, n, log)

	default:
		processing, err := s.orders.Transition(ctx, order.ID, orders.StatusPending, orders.StatusProcessing, s.cfg.Now())
		if err != nil {
			if errors.Is(err, orders.ErrStatusConflict) {
				return OutcomeDuplicate, nil
			}
			return "", fmt.Errorf("start processing: %w", err)
		}
		return s.run(ctx, processing, n, log)
	}
}

func (s *Service) run(ctx context.Context, order orders.Order, n Notification, log *zap.Logger) (Outcome, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("snapshot notification: %w", err)
	}

	res, timedOut := s.guard.RunBounded(ctx, order, payload, s.cfg.Deadline)
	switch {
	case timedOut:
		if res.Err != nil {
			return "", res.Err
		}
		return OutcomeQueued, nil
	case res.Err == nil:
		return OutcomeCompleted, nil
	case res.Job != nil:
		return OutcomeQueued, nil
	case errors.Is(res.Err, saga.ErrOrderNotProcessing):
		return OutcomeDuplicate, nil
	case res.Execution != nil && res.Execution.Status == saga.StatusCompensated:
		log.Warn("registration failed", zap.Error(res.Err))
		return OutcomeFailed, nil
	}
	return "", fmt.Errorf("run saga: %w", res.Err)
}

// settle handles a delivery for an order that is no longer pending. A new transaction is
// credited before its receipt is recorded, so a failed credit is retried by the replay.
func (s *Service) settle(ctx context.Context, order orders.Order, n Notification, receipt Receipt, log *zap.Logger) (Outcome, error) {
	known, err := s.receipts.ListByOrder(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("list receipts: %w", err)
	}
	for _, r := range known {
		if r.TxID == n.TxID {
			return OutcomeDuplicate, nil
		}
	}
	outcome, err := s.creditLatePayment(ctx, order, n, log)
	if err != nil {
		return "", err
	}
	if _, err := s.receipts.Record(ctx, receipt); err != nil {
		return "", fmt.Errorf("record receipt: %w", err)
	}
	return outcome, nil
}

// creditLatePayment keeps money that arrives for an order that is no longer awaiting payment.
func (s *Service) creditLatePayment(ctx context.Context, order orders.Order, n Notification, log *zap.Logger) (Outcome, error) {
	if n.PaidAmount.Sign() <= 0 {
		return OutcomeDuplicate, nil
	}
	_, created, err := s.ledger.Credit(ctx, order.PayerID, n.PaidAmount, ledger.ReasonOverpaymentCredit, n.Key(order.ID))
	if err != nil {
		return "", fmt.Errorf("credit late payment: %w", err)
	}
	if !created {
		return OutcomeDuplicate, nil
	}
	log.Info("payment for settled order credited to wallet", zap.String("status", string(order.Status)), zap.Stringer("amount", n.PaidAmount))
	s.notify(ctx, order.PayerID, saga.TemplatePaymentOverpaid, map[string]any{
		"order_id":    order.ID,
		"domain_name": order.Params.DomainName,
		"paid":        n.PaidAmount.String(),
		"required":    "0",
		"credited":    n.PaidAmount.String(),
	}, log)
	return OutcomeCredited, nil
}

func (s *Service) execute(ctx context.Context, order orders.Order) (*saga.Execution, error) {
	ch := s.flight.DoChan(order.ID, func() (any, error) {
		return s.saga.Execute(ctx, order)
	})
	select {
	case r := <-ch:
		exec, _ := r.Val.(*saga.Execution)
		return exec, r.Err
	case <-ctx.Done():
		return nil, saga.Transient(fmt.Errorf("waiting for saga of %s: %w", order.ID, ctx.Err()))
	}
}

// Resume re-drives an order from the retry queue. Terminal orders are no-ops.
func (s *Service) Resume(ctx context.Context, orderID string) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return nil
	}
	if order.Status != orders.StatusProcessing {
		return fmt.Errorf("resume %s: order is %s", orderID, order.Status)
	}

	exec, err := s.execute(ctx, order)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrOrderNotProcessing):
		return nil
	case exec != nil && exec.Status == saga.StatusCompensated:
		return nil
	}
	return err
}

// Process implements retryqueue.Processor.
func (s *Service) Process(ctx context.Context, job retryqueue.Job) error {
	return s.Resume(ctx, job.OrderID)
}

// JobFailed implements retryqueue.FailureHandler: the order is failed and escalated.
func (s *Service) JobFailed(ctx context.Context, job retryqueue.Job) {
	log := s.logger.With(zap.String("order_id", job.OrderID), zap.String("job_id", job.ID))

	if _, err := s.orders.Transition(ctx, job.OrderID, orders.StatusProcessing, orders.StatusFailed, s.cfg.Now()); err != nil &&
		!errors.Is(err, orders.ErrStatusConflict) {
		log.Error("fail order after exhausted retries", zap.Error(err))
	}

	entry := saga.ReviewEntry{
		OrderID:   job.OrderID,
		JobID:     job.ID,
		Reason:    "retry_exhausted",
		Detail:    job.LastError,
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.review.Flag(ctx, entry); err != nil {
		log.Error("manual review flag failed", zap.Error(err))
	}
	if s.cfg.OperatorAccountID != "" {
		s.notify(ctx, s.cfg.OperatorAccountID, saga.TemplateManualReview, map[string]any{
			"order_id":   job.OrderID,
			"job_id":     job.ID,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
			"reason":     entry.Reason,
		}, log)
	}
}

// ExpireStale moves pending orders created before cutoff to expired and returns how many moved.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.orders.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}
	expired := 0
	for _, order := range stale {
		_, err := s.orders.Transition(ctx, order.ID, orders.StatusPending, orders.StatusExpired, s.cfg.Now())
		switch {
		case err == nil:
			expired++
		case errors.Is(err, orders.ErrStatusConflict):
		default:
			return expired, fmt.Errorf("expire %s: %w", order.ID, err)
		}
	}
	return expired, nil
}

// RecoverStalled hands processing orders whose last status change is older than cutoff
// to the retry queue and returns how many it handed over. The queue keeps one active job
// per order, so an order it already holds keeps its job.
func (s *Service) RecoverStalled(ctx context.Context, cutoff time.Time) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	stalled, err := s.orders.ListProcessingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled orders: %w", err)
	}
	recovered := 0
	for _, order := range stalled {
		job, err := s.queue.Enqueue(ctx, order.ID, nil, retryqueue.ReasonStalled)
		if err != nil {
			return recovered, fmt.Errorf("enqueue stalled %s: %w", order.ID, err)
		}
		recovered++
		s.logger.Warn("processing order had stalled",
			zap.String("order_id", order.ID),
			zap.String("job_id", job.ID),
			zap.String("job_reason", string(job.Reason)),
			zap.Time("updated_at", order.UpdatedAt),
		)
	}
	return recovered, nil
}

func (s *Service) notify(ctx context.Context, recipient string, kind saga.TemplateKind, payload map[string]any, log *zap.Logger) {
	if err := s.notifier.Send(ctx, recipient, kind, payload); err != nil {
		log.Warn("notification failed", zap.String("template", string(kind)), zap.Error(err))
	}
}
