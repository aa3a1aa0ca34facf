package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/orders"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config tunes the coordinator.
type Config struct {
	// DefaultNameservers are used in registrar DNS mode when the order names none.
	DefaultNameservers []string
	RegistrationYears  int
	Now                func() time.Time
	NewID              func() string
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Orders    orders.Store
	Sagas     Store
	Registrar RegistrarClient
	DNS       DNSClient
	Records   RecordStore
	Notifier  Notifier
	Review    ReviewSink
	Logger    *zap.Logger
}

// Coordinator runs the registration saga: contact, DNS zone, registration, record.
type Coordinator struct {
	orders    orders.Store
	sagas     Store
	registrar RegistrarClient
	dns       DNSClient
	records   RecordStore
	notifier  Notifier
	review    ReviewSink
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.RegistrationYears < 1 {
		cfg.RegistrationYears = 1
	}
	if deps.Notifier == nil {
		deps.Notifier = NoopNotifier{}
	}
	if deps.Review == nil {
		deps.Review = NoopReviewSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{
		orders:    deps.Orders,
		sagas:     deps.Sagas,
		registrar: deps.Registrar,
		dns:       deps.DNS,
		records:   deps.Records,
		notifier:  deps.Notifier,
		review:    deps.Review,
		logger:    deps.Logger,
		tracer:    otel.Tracer("domainflow/saga"),
		cfg:       cfg,
	}
}

// runState carries step outputs forward to later steps and to compensations.
type runState struct {
	order         orders.Order
	contactHandle string
	zone          *Zone
	zoneCreated   bool
	nameservers   []string
	registrarID   string
	registration  RegistrationKind
	recordID      string
	recordCreated bool
}

type step struct {
	name       string
	run        func(ctx context.Context, st *runState) (any, error)
	compensate func(ctx context.Context, exec *Execution, st *runState) error
}

func (c *Coordinator) steps() []step {
	return []step{
		{name: StepReserveContact, run: c.reserveContact, compensate: c.releaseContact},
		{name: StepProvisionDNSZone, run: c.provisionZone, compensate: c.deleteZone},
		{name: StepRegisterDomain, run: c.registerDomain, compensate: c.flagRegistration},
		{name: StepPersistRecord, run: c.persistRecord, compensate: c.deleteRecord},
	}
}

// Execute runs the saga for an order in processing state and returns the execution.
// A transient error leaves the order processing for a later retry; any other error
// compensates completed steps in reverse order and fails the order.
func (c *Coordinator) Execute(ctx context.Context, order orders.Order) (*Execution, error) {
	if order.Status != orders.StatusProcessing {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotProcessing, order.ID, order.Status)
	}

	now := c.cfg.Now().UTC()
	exec := &Execution{
		SagaID:    c.cfg.NewID(),
		OrderID:   order.ID,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.sagas.Create(ctx, *exec); err != nil {
		return nil, Transient(fmt.Errorf("create saga: %w", err))
	}

	ctx, span := c.tracer.Start(ctx, "saga.Execute", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("saga.id", exec.SagaID),
		attribute.String("domain.name", order.Params.DomainName),
	))
	defer span.End()

	log := c.logger.With(zap.String("order_id", order.ID), zap.String("saga_id", exec.SagaID))
	log.Info("saga started", zap.String("domain", order.Params.DomainName))

	st := &runState{order: order}
	steps := c.steps()
	for _, s := range steps {
		if err := c.runStep(ctx, exec, s, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if IsTransient(err) {
				return c.abandon(ctx, exec, s.name, err, log)
			}
			return c.compensate(ctx, exec, steps, st, s.name, err, log)
		}
	}

	if err := c.sagas.UpdateStatus(ctx, exec.SagaID, StatusCompleted, ""); err != nil {
		return exec, Transient(fmt.Errorf("finalize saga: %w", err))
	}
	exec.Status = StatusCompleted
	c.finishOrder(ctx, order, orders.StatusCompleted, log)
	log.Info("saga completed", zap.String("registrar_id", st.registrarID), zap.String("registration", st.registration.String()))

	c.notify(ctx, order.PayerID, TemplateRegistrationSucceeded, map[string]any{
		"order_id":     order.ID,
		"domain_name":  order.Params.DomainName,
		"registrar_id": st.registrarID,
		"nameservers":  toAnySlice(st.nameservers),
	}, log)
	return exec, nil
}

func (c *Coordinator) runStep(ctx context.Context, exec *Execution, s step, st *runState) error {
	ctx, span := c.tracer.Start(ctx, "saga."+s.name)
	defer span.End()

	pending := StepRecord{Name: s.name, Status: StepPending}
	if err := c.putStep(ctx, exec, pending); err != nil {
		return err
	}

	result, err := s.run(ctx, st)
	if err != nil {
		span.RecordError(err)
		failed := StepRecord{Name: s.name, Status: StepFailed, Detail: err.Error()}
		if putErr := c.putStep(ctx, exec, failed); putErr != nil {
			c.logger.Warn("record failed step", zap.String("saga_id", exec.SagaID), zap.String("step", s.name), zap.Error(putErr))
		}
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", s.name, err)
	}
	at := c.cfg.Now().UTC()
	return c.putStep(ctx, exec, StepRecord{Name: s.name, Status: StepCompleted, Result: payload, CompletedAt: &at})
}

func (c *Coordinator) putStep(ctx context.Context, exec *Execution, rec StepRecord) error {
	if err := c.sagas.PutStep(ctx, exec.SagaID, rec); err != nil {
		return Transient(fmt.Errorf("record step %s: %w", rec.Name, err))
	}
	exec.putStep(rec)
	return nil
}

// abandon ends this attempt without compensation so the retry queue can converge it.
func (c *Coordinator) abandon(ctx context.Context, exec *Execution, stepName string, cause error, log *zap.Logger) (*Execution, error) {
	log.Warn("saga step failed transiently", zap.String("step", stepName), zap.Error(cause))
	if err := c.sagas.UpdateStatus(ctx, exec.SagaID, StatusFailed, cause.Error()); err != nil {
		log.Warn("update saga status", zap.Error(err))
	}
	exec.Status = StatusFailed
	exec.Error = cause.Error()
	return exec, fmt.Errorf("step %s: %w", stepName, cause)
}

func (c *Coordinator) compensate(ctx context.Context, exec *Execution, steps []step, st *runState, failedStep string, cause error, log *zap.Logger) (*Execution, error) {
	log.Error("saga step failed, compensating", zap.String("step", failedStep), zap.Error(cause))
	if err := c.sagas.UpdateStatus(ctx, exec.SagaID, StatusCompensating, cause.Error()); err != nil {
		log.Warn("update saga status", zap.Error(err))
	}
	exec.Status = StatusCompensating

	byName := make(map[string]step, len(steps))
	for _, s := range steps {
		byName[s.name] = s
	}

	completed := make([]StepRecord, 0, len(exec.Steps))
	for _, rec := range exec.Steps {
		if rec.Status == StepCompleted {
			completed = append(completed, rec)
		}
	}
	for i := len(completed) - 1; i >= 0; i-- {
		rec := completed[i]
		s := byName[rec.Name]
		if err := s.compensate(ctx, exec, st); err != nil {
			log.Error("compensation failed", zap.String("step", rec.Name), zap.Error(err))
			c.flag(ctx, ReviewEntry{
				OrderID: exec.OrderID,
				SagaID:  exec.SagaID,
				Step:    rec.Name,
				Reason:  "compensation_failed",
				Detail:  err.Error(),
			}, log)
			continue
		}
		rec.Status = StepCompensated
		if err := c.putStep(ctx, exec, rec); err != nil {
			log.Warn("record compensated step", zap.String("step", rec.Name), zap.Error(err))
		}
	}

	if err := c.sagas.UpdateStatus(ctx, exec.SagaID, StatusCompensated, cause.Error()); err != nil {
		log.Warn("update saga status", zap.Error(err))
	}
	exec.Status = StatusCompensated
	exec.Error = cause.Error()
	c.finishOrder(ctx, st.order, orders.StatusFailed, log)

	c.notify(ctx, st.order.PayerID, TemplateRegistrationFailed, map[string]any{
		"order_id":    st.order.ID,
		"domain_name": st.order.Params.DomainName,
		"reason":      cause.Error(),
	}, log)
	return exec, fmt.Errorf("step %s: %w", failedStep, cause)
}

func (c *Coordinator) finishOrder(ctx context.Context, order orders.Order, to orders.Status, log *zap.Logger) {
	_, err := c.orders.Transition(ctx, order.ID, orders.StatusProcessing, to, c.cfg.Now())
	if err == nil {
		return
	}
	if errors.Is(err, orders.ErrStatusConflict) {
		current, getErr := c.orders.Get(ctx, order.ID)
		if getErr == nil && current.Status == to {
			log.Info("order already finalized by a concurrent attempt", zap.String("status", string(to)))
			return
		}
	}
	log.Error("finalize order", zap.String("status", string(to)), zap.Error(err))
}

func (c *Coordinator) notify(ctx context.Context, payerID string, kind TemplateKind, payload map[string]any, log *zap.Logger) {
	if err := c.notifier.Send(ctx, payerID, kind, payload); err != nil {
		log.Warn("notification failed", zap.String("template", string(kind)), zap.Error(err))
	}
}

func (c *Coordinator) flag(ctx context.Context, entry ReviewEntry, log *zap.Logger) {
	entry.CreatedAt = c.cfg.Now().UTC()
	if err := c.review.Flag(ctx, entry); err != nil {
		log.Error("manual review flag failed", zap.String("reason", entry.Reason), zap.Error(err))
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
