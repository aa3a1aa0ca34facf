package payments

import (
	"context"
	"sync"
	"time"

	"github.com/govalues/decimal"
)

// Receipt is the durable record of a confirmed delivery. (OrderID, TxID) is unique.
type Receipt struct {
	OrderID       string          `json:"order_id"`
	TxID          string          `json:"txid"`
	Provider      Provider        `json:"provider"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Confirmations int             `json:"confirmations"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// ReceiptStore records deliveries. Record reports whether this call inserted the receipt.
type ReceiptStore interface {
	Record(ctx context.Context, r Receipt) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]Receipt, error)
}

type receiptKey struct {
	orderID string
	txID    string
}

// NewInMemoryReceipts constructs an in-memory ReceiptStore.
func NewInMemoryReceipts() *InMemoryReceipts {
	return &InMemoryReceipts{seen: make(map[receiptKey]Receipt)}
}

// InMemoryReceipts keeps receipts in a map.
type InMemoryReceipts struct {
	mu   sync.Mutex
	seen map[receiptKey]Receipt
	list []receiptKey
}

func (s *InMemoryReceipts) Record(ctx context.Context, r Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptKey{orderID: r.OrderID, txID: r.TxID}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = r
	s.list = append(s.list, key)
	return true, nil
}

func (s *InMemoryReceipts) ListByOrder(ctx context.Context, orderID string) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Receipt
	for _, key := range s.list {
		if key.orderID == orderID {
			out = append(out, s.seen[key])
		}
	}
	return out, nil
}
