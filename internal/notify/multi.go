package notify

import (
	"context"
	"errors"
	"fmt"

	"domainflow/internal/saga"
)

// Multi delivers to every notifier and joins their errors.
type Multi struct {
	notifiers []saga.Notifier
}

// NewMulti constructs a Multi. Nil notifiers are skipped.
func NewMulti(notifiers ...saga.Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *Multi) Send(ctx context.Context, recipientID string, kind saga.TemplateKind, payload map[string]any) error {
	var errs []error
	for i, n := range m.notifiers {
		if err := n.Send(ctx, recipientID, kind, payload); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
