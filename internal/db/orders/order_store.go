package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/orders"

	"github.com/govalues/decimal"
)

// OrderStore persists orders in Postgres. Transitions are status-guarded updates.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the domain_orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	return execStatements(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS domain_orders (
			id TEXT PRIMARY KEY,
			correlation_id TEXT,
			payer_id TEXT NOT NULL,
			params JSONB NOT NULL,
			expected_amount NUMERIC(20, 8) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS domain_orders_pending_idx ON domain_orders (created_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS domain_orders_processing_idx ON domain_orders (updated_at) WHERE status = 'processing'`,
	})
}

const orderColumns = `id, correlation_id, payer_id, params, expected_amount::TEXT, currency, status, created_at, updated_at, completed_at`

func (s *OrderStore) Create(ctx context.Context, order orders.Order) error {
	params, err := json.Marshal(order.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	updatedAt := order.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = order.CreatedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_orders (id, correlation_id, payer_id, params, expected_amount, currency, status, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, sql.NullString{String: order.CorrelationID, Valid: order.CorrelationID != ""}, order.PayerID, params,
		order.ExpectedAmount.String(), order.Currency, string(order.Status), order.CreatedAt.UTC(), updatedAt.UTC(), nullTime(order.CompletedAt),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidOrder, order.ID)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM domain_orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	return order, err
}

func (s *OrderStore) Transition(ctx context.Context, id string, from, to orders.Status, at time.Time) (orders.Order, error) {
	if err := orders.CheckTransition(from, to); err != nil {
		return orders.Order{}, err
	}
	var completedAt sql.NullTime
	if to.Terminal() {
		completedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE domain_orders
		SET status = $3, updated_at = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(from), string(to), at.UTC(), completedAt,
	)
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, err
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return orders.Order{}, getErr
	}
	return current, orders.ErrStatusConflict
}

func (s *OrderStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]orders.Order, error) {
	return s.listBefore(ctx, `
		SELECT `+orderColumns+`
		FROM domain_orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`,
		orders.StatusPending, cutoff)
}

func (s *OrderStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]orders.Order, error) {
	return s.listBefore(ctx, `
		SELECT `+orderColumns+`
		FROM domain_orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at`,
		orders.StatusProcessing, cutoff)
}

func (s *OrderStore) listBefore(ctx context.Context, query string, status orders.Status, cutoff time.Time) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, string(status), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (orders.Order, error) {
	var (
		order       orders.Order
		correlation sql.NullString
		params      []byte
		amount      string
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&order.ID, &correlation, &order.PayerID, &params, &amount, &order.Currency, &status, &order.CreatedAt, &order.UpdatedAt, &completedAt); err != nil {
		return orders.Order{}, err
	}
	if err := json.Unmarshal(params, &order.Params); err != nil {
		return orders.Order{}, fmt.Errorf("decode params of %s: %w", order.ID, err)
	}
	expected, err := decimal.Parse(amount)
	if err != nil {
		return orders.Order{}, fmt.Errorf("decode amount of %s: %w", order.ID, err)
	}
	order.CorrelationID = correlation.String
	order.ExpectedAmount = expected.Trim(2)
	order.Status = orders.Status(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.CompletedAt = timePtr(completedAt)
	return order, nil
}
