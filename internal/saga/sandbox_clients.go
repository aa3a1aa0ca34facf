package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewSandboxRegistrar constructs an in-memory registrar.
func NewSandboxRegistrar() *SandboxRegistrar {
	return &SandboxRegistrar{
		contacts: make(map[string]string),
		domains:  make(map[string]string),
		rejected: make(map[string]string),
	}
}

// SandboxRegistrar tracks contacts and registrations in memory.
type SandboxRegistrar struct {
	mu       sync.Mutex
	contacts map[string]string
	domains  map[string]string
	rejected map[string]string

	contactCalls  int
	registerCalls int
}

func (r *SandboxRegistrar) FindContact(ctx context.Context, payerID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.contacts[payerID]
	return handle, ok, nil
}

func (r *SandboxRegistrar) ReserveContact(ctx context.Context, req ContactRequest) (string, error) {
	if req.PayerID == "" {
		return "", errors.New("payer id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contactCalls++
	if handle, ok := r.contacts[req.PayerID]; ok {
		return handle, nil
	}
	handle := "CH-" + strings.ToUpper(uuid.NewString()[:8])
	r.contacts[req.PayerID] = handle
	return handle, nil
}

func (r *SandboxRegistrar) FindDomain(ctx context.Context, domainName string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.domains[domainName]
	return id, ok, nil
}

func (r *SandboxRegistrar) Register(ctx context.Context, req RegisterRequest) (RegistrationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerCalls++
	if reason, ok := r.rejected[req.DomainName]; ok {
		return RegistrationRejected(reason), nil
	}
	if id, ok := r.domains[req.DomainName]; ok {
		return AlreadyRegistered(id), nil
	}
	if req.ContactHandle == "" {
		return RegistrationRejected("missing contact handle"), nil
	}
	id := fmt.Sprintf("REG-%d", len(r.domains)+1)
	r.domains[req.DomainName] = id
	return Registered(id), nil
}

// Reject makes every later registration of domainName fail with reason.
func (r *SandboxRegistrar) Reject(domainName, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[domainName] = reason
}

// RegisterCalls returns how many Register calls reached the registrar.
func (r *SandboxRegistrar) RegisterCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerCalls
}

// NewSandboxDNS constructs an in-memory DNS provider that hands out nameservers.
func NewSandboxDNS(nameservers []string) *SandboxDNS {
	if len(nameservers) == 0 {
		nameservers = []string{"ns1.sandbox-dns.net", "ns2.sandbox-dns.net"}
	}
	return &SandboxDNS{
		zones:       make(map[string]Zone),
		nameservers: nameservers,
	}
}

// SandboxDNS tracks zones in memory.
type SandboxDNS struct {
	mu          sync.Mutex
	zones       map[string]Zone
	nameservers []string
	seq         int
}

func (d *SandboxDNS) FindZone(ctx context.Context, domainName string) (Zone, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	zone, ok := d.zones[domainName]
	return zone, ok, nil
}

func (d *SandboxDNS) CreateZone(ctx context.Context, domainName string) (Zone, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.zones[domainName]; ok {
		return Zone{}, ErrZoneExists
	}
	d.seq++
	zone := Zone{
		ID:          fmt.Sprintf("zone-%d", d.seq),
		Name:        domainName,
		Nameservers: append([]string(nil), d.nameservers...),
	}
	d.zones[domainName] = zone
	return zone, nil
}

func (d *SandboxDNS) DeleteZone(ctx context.Context, zoneID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, zone := range d.zones {
		if zone.ID == zoneID {
			delete(d.zones, name)
			return nil
		}
	}
	return fmt.Errorf("zone %s not found", zoneID)
}

// Zones lists zone names (for inspection).
func (d *SandboxDNS) Zones() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.zones))
	for name := range d.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewInMemoryRecordStore constructs an in-memory RecordStore.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[string]DomainRecord)}
}

// InMemoryRecordStore keeps domain records keyed by id.
type InMemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]DomainRecord
}

func (s *InMemoryRecordStore) FindByDomain(ctx context.Context, domainName string) (DomainRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.DomainName == domainName {
			return rec, true, nil
		}
	}
	return DomainRecord{}, false, nil
}

func (s *InMemoryRecordStore) Create(ctx context.Context, rec DomainRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.DomainName == rec.DomainName {
			return existing.ID, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *InMemoryRecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Len returns how many records are stored.
func (s *InMemoryRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, recipientID string, kind TemplateKind, payload map[string]any) error {
	return nil
}

// NoopReviewSink drops review entries.
type NoopReviewSink struct{}

func (NoopReviewSink) Flag(ctx context.Context, entry ReviewEntry) error {
	return nil
}
