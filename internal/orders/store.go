package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists orders. Transition is the only way to change an order's status:
// it succeeds only when the stored status still equals from.
type Store interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (Order, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Order, error)
	// ListProcessingBefore returns processing orders whose last status change is older than cutoff.
	ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]Order, error)
}

// NewInMemoryStore constructs an in-memory order store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{orders: make(map[string]Order)}
}

// InMemoryStore keeps orders in a map guarded by a mutex.
type InMemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
}

func (s *InMemoryStore) Create(ctx context.Context, order Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return ErrInvalidOrder
	}
	s.orders[order.ID] = order
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

func (s *InMemoryStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (Order, error) {
	if err := CheckTransition(from, to); err != nil {
		return Order{}, err
	}
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if order.Status != from {
		return order, ErrStatusConflict
	}
	order.Status = to
	order.UpdatedAt = at.UTC()
	if to.Terminal() {
		ts := at.UTC()
		order.CompletedAt = &ts
	}
	s.orders[id] = order
	return order, nil
}

func (s *InMemoryStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, order := range s.orders {
		if order.Status == StatusPending && order.CreatedAt.Before(cutoff) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, order := range s.orders {
		if order.Status == StatusProcessing && order.UpdatedAt.Before(cutoff) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
