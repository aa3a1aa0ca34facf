package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status captures the current state of a registration saga.
type Status string

const (
	StatusStarted      Status = "started"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// StepStatus captures the state of a single step within one execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step names, in execution order.
const (
	StepReserveContact   = "reserve_contact"
	StepProvisionDNSZone = "provision_dns_zone"
	StepRegisterDomain   = "register_domain"
	StepPersistRecord    = "persist_record"
)

// StepOrder is the fixed step sequence.
var StepOrder = []string{StepReserveContact, StepProvisionDNSZone, StepRegisterDomain, StepPersistRecord}

// StepRecord is the stored result of one step.
type StepRecord struct {
	Name        string          `json:"step_name"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result_payload,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Execution is one attempt at running the saga for an order.
type Execution struct {
	SagaID    string       `json:"saga_id"`
	OrderID   string       `json:"order_id"`
	Status    Status       `json:"status"`
	Steps     []StepRecord `json:"steps"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Step returns the record for name, if one was written.
func (e *Execution) Step(name string) (StepRecord, bool) {
	for _, s := range e.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepRecord{}, false
}

func (e *Execution) putStep(rec StepRecord) {
	for i := range e.Steps {
		if e.Steps[i].Name == rec.Name {
			e.Steps[i] = rec
			return
		}
	}
	e.Steps = append(e.Steps, rec)
}

// Store persists executions and their step records.
type Store interface {
	Create(ctx context.Context, exec Execution) error
	PutStep(ctx context.Context, sagaID string, step StepRecord) error
	UpdateStatus(ctx context.Context, sagaID string, status Status, errMsg string) error
	ListByOrder(ctx context.Context, orderID string) ([]Execution, error)
}

var (
	ErrOrderNotProcessing = errors.New("order is not in processing state")
	ErrZoneExists         = errors.New("dns zone already exists")
	ErrRegistrationFailed = errors.New("domain registration failed")
	ErrSagaNotFound       = errors.New("saga execution not found")
)
