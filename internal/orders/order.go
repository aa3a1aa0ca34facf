package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/govalues/decimal"
)

// Status captures where an order is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// transitions is the only place legal order transitions are defined.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// DNSMode selects how the domain's nameservers are provisioned.
type DNSMode string

const (
	// DNSModeManaged provisions a managed DNS zone and registers its nameservers.
	DNSModeManaged DNSMode = "managed"
	// DNSModeRegistrar keeps custom or default nameservers and skips zone creation.
	DNSModeRegistrar DNSMode = "registrar"
)

// Contact is the registrant information used to reserve a contact handle.
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Params are the requested registration parameters of an order.
type Params struct {
	DomainName  string   `json:"domain_name"`
	DNSMode     DNSMode  `json:"dns_mode"`
	Nameservers []string `json:"nameservers,omitempty"`
	Contact     Contact  `json:"contact"`
}

// Order is a paid request to register a domain.
type Order struct {
	ID             string          `json:"order_id"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	PayerID        string          `json:"payer_id"`
	Params         Params          `json:"params"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	// UpdatedAt is the time of the last status change.
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

var (
	ErrNotFound          = errors.New("order not found")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrInvalidOrder      = errors.New("invalid order")
)

// NewOrder validates the request and returns a pending order.
func NewOrder(id, payerID string, params Params, amount decimal.Decimal, currency string, now time.Time) (Order, error) {
	params.DomainName = strings.ToLower(strings.TrimSpace(params.DomainName))
	switch {
	case id == "":
		return Order{}, fmt.Errorf("%w: id is required", ErrInvalidOrder)
	case payerID == "":
		return Order{}, fmt.Errorf("%w: payer id is required", ErrInvalidOrder)
	case !strings.Contains(params.DomainName, "."):
		return Order{}, fmt.Errorf("%w: domain name %q must include a tld", ErrInvalidOrder, params.DomainName)
	case amount.Sign() <= 0:
		return Order{}, fmt.Errorf("%w: expected amount must be positive", ErrInvalidOrder)
	}
	if params.DNSMode == "" {
		params.DNSMode = DNSModeManaged
	}
	if params.DNSMode != DNSModeManaged && params.DNSMode != DNSModeRegistrar {
		return Order{}, fmt.Errorf("%w: unknown dns mode %q", ErrInvalidOrder, params.DNSMode)
	}
	if currency == "" {
		currency = "USD"
	}
	return Order{
		ID:             id,
		PayerID:        payerID,
		Params:         params,
		ExpectedAmount: amount,
		Currency:       strings.ToUpper(currency),
		Status:         StatusPending,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}, nil
}

// CheckTransition returns ErrIllegalTransition when from may not move to to.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
