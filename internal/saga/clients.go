package saga

import (
	"context"
	"time"

	"domainflow/internal/orders"
)

// ContactRequest asks the registrar for a registrant handle for a payer.
type ContactRequest struct {
	PayerID string
	Contact orders.Contact
}

// RegisterRequest asks the registrar to register a domain.
type RegisterRequest struct {
	DomainName    string
	ContactHandle string
	Nameservers   []string
	Years         int
}

// RegistrationKind enumerates the possible registrar answers.
type RegistrationKind int

const (
	RegistrationRegistered RegistrationKind = iota + 1
	RegistrationAlreadyRegistered
	RegistrationFailed
)

func (k RegistrationKind) String() string {
	switch k {
	case RegistrationRegistered:
		return "registered"
	case RegistrationAlreadyRegistered:
		return "already_registered"
	case RegistrationFailed:
		return "failed"
	}
	return "unknown"
}

// RegistrationResult is Registered | AlreadyRegistered(existingID) | Failed(reason).
type RegistrationResult struct {
	Kind     RegistrationKind
	DomainID string
	Reason   string
}

// Registered reports a fresh registration.
func Registered(domainID string) RegistrationResult {
	return RegistrationResult{Kind: RegistrationRegistered, DomainID: domainID}
}

// AlreadyRegistered reports that the registrar already holds the domain under existingID.
func AlreadyRegistered(existingID string) RegistrationResult {
	return RegistrationResult{Kind: RegistrationAlreadyRegistered, DomainID: existingID}
}

// RegistrationRejected reports a definitive registrar refusal.
func RegistrationRejected(reason string) RegistrationResult {
	return RegistrationResult{Kind: RegistrationFailed, Reason: reason}
}

// Succeeded reports whether the domain is held after this result.
func (r RegistrationResult) Succeeded() bool {
	return r.Kind == RegistrationRegistered || r.Kind == RegistrationAlreadyRegistered
}

// RegistrarClient is the registrar surface used by the saga.
// A transport error is returned as error; a registrar decision is returned in the result.
type RegistrarClient interface {
	FindContact(ctx context.Context, payerID string) (handle string, found bool, err error)
	ReserveContact(ctx context.Context, req ContactRequest) (handle string, err error)
	FindDomain(ctx context.Context, domainName string) (domainID string, found bool, err error)
	Register(ctx context.Context, req RegisterRequest) (RegistrationResult, error)
}

// Zone is a managed DNS zone.
type Zone struct {
	ID          string   `json:"zone_id"`
	Name        string   `json:"name"`
	Nameservers []string `json:"nameservers"`
}

// DNSClient manages DNS zones. CreateZone returns ErrZoneExists when the zone is already present.
type DNSClient interface {
	FindZone(ctx context.Context, domainName string) (Zone, bool, error)
	CreateZone(ctx context.Context, domainName string) (Zone, error)
	DeleteZone(ctx context.Context, zoneID string) error
}

// DomainRecord is the persisted outcome of a successful registration.
type DomainRecord struct {
	ID            string    `json:"id"`
	DomainName    string    `json:"domain_name"`
	RegistrarID   string    `json:"registrar_id"`
	ZoneID        string    `json:"zone_id,omitempty"`
	Nameservers   []string  `json:"nameservers"`
	PayerID       string    `json:"payer_id"`
	OrderID       string    `json:"order_id"`
	ContactHandle string    `json:"contact_handle"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecordStore persists domain records.
type RecordStore interface {
	FindByDomain(ctx context.Context, domainName string) (DomainRecord, bool, error)
	Create(ctx context.Context, rec DomainRecord) (string, error)
	Delete(ctx context.Context, id string) error
}

// TemplateKind names a payer-facing notification.
type TemplateKind string

const (
	TemplatePaymentUnderpaid      TemplateKind = "payment_underpaid"
	TemplatePaymentOverpaid       TemplateKind = "payment_overpaid"
	TemplateRegistrationSucceeded TemplateKind = "registration_succeeded"
	TemplateRegistrationFailed    TemplateKind = "registration_failed"
	TemplateManualReview          TemplateKind = "manual_review"
	TemplateWalletTopUp           TemplateKind = "wallet_topup"
)

// Notifier delivers a structured payload to a recipient. Delivery guarantees belong to the implementation.
type Notifier interface {
	Send(ctx context.Context, recipientID string, kind TemplateKind, payload map[string]any) error
}

// ReviewEntry describes a situation an operator has to resolve by hand.
type ReviewEntry struct {
	OrderID   string    `json:"order_id"`
	SagaID    string    `json:"saga_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewSink records manual-review escalations.
type ReviewSink interface {
	Flag(ctx context.Context, entry ReviewEntry) error
}
