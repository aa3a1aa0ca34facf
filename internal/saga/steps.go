package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"domainflow/internal/orders"

	"go.uber.org/zap"
)

type contactResult struct {
	Handle  string `json:"contact_handle"`
	Reused  bool   `json:"reused"`
	PayerID string `json:"payer_id"`
}

type zoneResult struct {
	Mode        orders.DNSMode `json:"dns_mode"`
	ZoneID      string         `json:"zone_id,omitempty"`
	Created     bool           `json:"created"`
	Nameservers []string       `json:"nameservers"`
}

type registrationResult struct {
	DomainID string `json:"registrar_id"`
	Outcome  string `json:"outcome"`
}

type recordResult struct {
	RecordID string `json:"record_id"`
	Created  bool   `json:"created"`
}

func (c *Coordinator) reserveContact(ctx context.Context, st *runState) (any, error) {
	payerID := st.order.PayerID
	handle, found, err := c.registrar.FindContact(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	if found {
		st.contactHandle = handle
		return contactResult{Handle: handle, Reused: true, PayerID: payerID}, nil
	}
	handle, err = c.registrar.ReserveContact(ctx, ContactRequest{PayerID: payerID, Contact: st.order.Params.Contact})
	if err != nil {
		return nil, fmt.Errorf("reserve contact: %w", err)
	}
	st.contactHandle = handle
	return contactResult{Handle: handle, PayerID: payerID}, nil
}

// releaseContact is a no-op: contact handles are reused per payer.
func (c *Coordinator) releaseContact(ctx context.Context, exec *Execution, st *runState) error {
	return nil
}

func (c *Coordinator) provisionZone(ctx context.Context, st *runState) (any, error) {
	params := st.order.Params
	if params.DNSMode == orders.DNSModeRegistrar {
		ns := params.Nameservers
		if len(ns) == 0 {
			ns = c.cfg.DefaultNameservers
		}
		st.nameservers = append([]string(nil), ns...)
		return zoneResult{Mode: params.DNSMode, Nameservers: st.nameservers}, nil
	}

	zone, found, err := c.dns.FindZone(ctx, params.DomainName)
	if err != nil {
		return nil, fmt.Errorf("find zone: %w", err)
	}
	created := false
	if !found {
		zone, err = c.dns.CreateZone(ctx, params.DomainName)
		switch {
		case errors.Is(err, ErrZoneExists):
			zone, found, err = c.dns.FindZone(ctx, params.DomainName)
			if err != nil {
				return nil, fmt.Errorf("find zone after conflict: %w", err)
			}
			if !found {
				return nil, Transient(fmt.Errorf("zone %s reported existing but not found", params.DomainName))
			}
		case err != nil:
			return nil, fmt.Errorf("create zone: %w", err)
		default:
			created = true
		}
	}
	owned := created
	if !owned {
		// A retry finds the zone an earlier attempt created and still owns it.
		if owned, err = c.zoneCreatedEarlier(ctx, st.order.ID, zone.ID); err != nil {
			return nil, err
		}
	}
	st.zone = &zone
	st.zoneCreated = owned
	st.nameservers = append([]string(nil), zone.Nameservers...)
	return zoneResult{Mode: orders.DNSModeManaged, ZoneID: zone.ID, Created: created, Nameservers: st.nameservers}, nil
}

// zoneCreatedEarlier reports whether a completed zone step of an earlier execution
// for the order created zoneID.
func (c *Coordinator) zoneCreatedEarlier(ctx context.Context, orderID, zoneID string) (bool, error) {
	execs, err := c.sagas.ListByOrder(ctx, orderID)
	if err != nil {
		return false, Transient(fmt.Errorf("list executions of %s: %w", orderID, err))
	}
	for _, exec := range execs {
		rec, ok := exec.Step(StepProvisionDNSZone)
		if !ok || rec.Status != StepCompleted || len(rec.Result) == 0 {
			continue
		}
		var res zoneResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			continue
		}
		if res.Created && res.ZoneID == zoneID {
			return true, nil
		}
	}
	return false, nil
}

// deleteZone removes the zone only when this order's saga created it.
func (c *Coordinator) deleteZone(ctx context.Context, exec *Execution, st *runState) error {
	if st.zone == nil || !st.zoneCreated {
		return nil
	}
	if err := c.dns.DeleteZone(ctx, st.zone.ID); err != nil {
		return fmt.Errorf("delete zone %s: %w", st.zone.ID, err)
	}
	return nil
}

func (c *Coordinator) registerDomain(ctx context.Context, st *runState) (any, error) {
	domain := st.order.Params.DomainName
	existingID, found, err := c.registrar.FindDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("find domain: %w", err)
	}

	result := AlreadyRegistered(existingID)
	if !found {
		result, err = c.registrar.Register(ctx, RegisterRequest{
			DomainName:    domain,
			ContactHandle: st.contactHandle,
			Nameservers:   st.nameservers,
			Years:         c.cfg.RegistrationYears,
		})
		if err != nil {
			return nil, fmt.Errorf("register domain: %w", err)
		}
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, result.Reason)
	}
	st.registrarID = result.DomainID
	st.registration = result.Kind
	return registrationResult{DomainID: result.DomainID, Outcome: result.Kind.String()}, nil
}

// flagRegistration cannot undo a registration; it escalates to manual review.
func (c *Coordinator) flagRegistration(ctx context.Context, exec *Execution, st *runState) error {
	log := c.logger.With(zap.String("order_id", exec.OrderID), zap.String("saga_id", exec.SagaID))
	log.Warn("registration cannot be reversed, flagged for manual review", zap.String("registrar_id", st.registrarID))
	c.flag(ctx, ReviewEntry{
		OrderID: exec.OrderID,
		SagaID:  exec.SagaID,
		Step:    StepRegisterDomain,
		Reason:  "irreversible_registration",
		Detail:  fmt.Sprintf("domain %s registered as %s", st.order.Params.DomainName, st.registrarID),
	}, log)
	return nil
}

func (c *Coordinator) persistRecord(ctx context.Context, st *runState) (any, error) {
	domain := st.order.Params.DomainName
	existing, found, err := c.records.FindByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	if found {
		st.recordID = existing.ID
		return recordResult{RecordID: existing.ID}, nil
	}

	rec := DomainRecord{
		DomainName:    domain,
		RegistrarID:   st.registrarID,
		Nameservers:   st.nameservers,
		PayerID:       st.order.PayerID,
		OrderID:       st.order.ID,
		ContactHandle: st.contactHandle,
		CreatedAt:     c.cfg.Now().UTC(),
	}
	if st.zone != nil {
		rec.ZoneID = st.zone.ID
	}
	id, err := c.records.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	st.recordID = id
	st.recordCreated = true
	return recordResult{RecordID: id, Created: true}, nil
}

func (c *Coordinator) deleteRecord(ctx context.Context, exec *Execution, st *runState) error {
	if !st.recordCreated {
		return nil
	}
	if err := c.records.Delete(ctx, st.recordID); err != nil {
		return fmt.Errorf("delete record %s: %w", st.recordID, err)
	}
	return nil
}
