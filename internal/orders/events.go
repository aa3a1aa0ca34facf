package orders

import (
	"context"
	"encoding/json"
	"time"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Event is the wire form of an order status change.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	PayerID    string    `json:"payer_id"`
	DomainName string    `json:"domain_name"`
	From       Status    `json:"from,omitempty"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// FanoutStore forwards writes to a Store and broadcasts every accepted change.
type FanoutStore struct {
	Store
	broadcaster Broadcaster
}

// NewFanoutStore constructs a store that broadcasts status changes after they persist.
func NewFanoutStore(store Store, broadcaster Broadcaster) *FanoutStore {
	return &FanoutStore{Store: store, broadcaster: broadcaster}
}

// Create persists then broadcasts the new order.
func (s *FanoutStore) Create(ctx context.Context, order Order) error {
	if err := s.Store.Create(ctx, order); err != nil {
		return err
	}
	s.publish(Event{
		Type:       "order.created",
		OrderID:    order.ID,
		PayerID:    order.PayerID,
		DomainName: order.Params.DomainName,
		Status:     order.Status,
		Timestamp:  order.CreatedAt,
	})
	return nil
}

// Transition persists then broadcasts the status change. Rejected transitions are not broadcast.
func (s *FanoutStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (Order, error) {
	order, err := s.Store.Transition(ctx, id, from, to, at)
	if err != nil {
		return order, err
	}
	s.publish(Event{
		Type:       "order.status",
		OrderID:    order.ID,
		PayerID:    order.PayerID,
		DomainName: order.Params.DomainName,
		From:       from,
		Status:     to,
		Timestamp:  at.UTC(),
	})
	return order, nil
}

func (s *FanoutStore) publish(evt Event) {
	if s.broadcaster == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.broadcaster.Broadcast(data)
}
