package ordersdb

import (
	"context"
	"database/sql"
	"fmt"

	"domainflow/internal/payments"

	"github.com/govalues/decimal"
)

// ReceiptStore records payment deliveries in Postgres. (order_id, txid) is the dedupe key.
type ReceiptStore struct {
	db *sql.DB
}

// NewReceiptStore constructs a ReceiptStore backed by Postgres.
func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// InitSchema creates the payment_receipts table if it does not exist.
func (s *ReceiptStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_receipts (
			order_id TEXT NOT NULL REFERENCES domain_orders(id),
			txid TEXT NOT NULL,
			provider TEXT NOT NULL,
			paid_amount NUMERIC(20, 8) NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (order_id, txid)
		)
	`)
	return err
}

// Record inserts the receipt and reports whether this call inserted it.
func (s *ReceiptStore) Record(ctx context.Context, r payments.Receipt) (bool, error) {
	if r.OrderID == "" || r.TxID == "" {
		return false, fmt.Errorf("%w: order id and txid are required", payments.ErrInvalidNotification)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (order_id, txid, provider, paid_amount, confirmations, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, txid) DO NOTHING`,
		r.OrderID, r.TxID, string(r.Provider), r.PaidAmount.String(), r.Confirmations, r.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *ReceiptStore) ListByOrder(ctx context.Context, orderID string) ([]payments.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, txid, provider, paid_amount::TEXT, confirmations, received_at
		FROM payment_receipts
		WHERE order_id = $1
		ORDER BY received_at, txid`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.Receipt
	for rows.Next() {
		var (
			r        payments.Receipt
			provider string
			amount   string
		)
		if err := rows.Scan(&r.OrderID, &r.TxID, &provider, &amount, &r.Confirmations, &r.ReceivedAt); err != nil {
			return nil, err
		}
		paid, err := decimal.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("decode paid amount: %w", err)
		}
		r.Provider = payments.Provider(provider)
		r.PaidAmount = paid.Trim(2)
		r.ReceivedAt = r.ReceivedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
