package saga

import (
	"context"
	"sync"
	"time"
)

// NewInMemoryStore constructs an in-memory saga store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{executions: make(map[string]*Execution)}
}

// InMemoryStore keeps executions in memory and records the order steps were written in.
type InMemoryStore struct {
	mu         sync.Mutex
	executions map[string]*Execution
	order      []string
	writes     []StepRecord
}

func (s *InMemoryStore) Create(ctx context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := exec
	cp.Steps = append([]StepRecord(nil), exec.Steps...)
	s.executions[exec.SagaID] = &cp
	s.order = append(s.order, exec.SagaID)
	return nil
}

func (s *InMemoryStore) PutStep(ctx context.Context, sagaID string, step StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[sagaID]
	if !ok {
		return ErrSagaNotFound
	}
	exec.putStep(step)
	exec.UpdatedAt = time.Now().UTC()
	s.writes = append(s.writes, step)
	return nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, sagaID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[sagaID]
	if !ok {
		return ErrSagaNotFound
	}
	exec.Status = status
	exec.Error = errMsg
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) ListByOrder(ctx context.Context, orderID string) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, id := range s.order {
		exec := s.executions[id]
		if exec.OrderID != orderID {
			continue
		}
		cp := *exec
		cp.Steps = append([]StepRecord(nil), exec.Steps...)
		out = append(out, cp)
	}
	return out, nil
}

// Writes returns every step write in the order it happened (for inspection).
func (s *InMemoryStore) Writes() []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepRecord(nil), s.writes...)
}
