package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres through the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Stores bundles every Postgres-backed store.
type Stores struct {
	Orders   *OrderStore
	Receipts *ReceiptStore
	Sagas    *SagaStore
	Ledger   *LedgerStore
	Records  *RecordStore
}

// NewStoresWithSchema initializes every table, parents first, and returns the stores.
func NewStoresWithSchema(ctx context.Context, db *sql.DB) (*Stores, error) {
	s := &Stores{
		Orders:   NewOrderStore(db),
		Receipts: NewReceiptStore(db),
		Sagas:    NewSagaStore(db),
		Ledger:   NewLedgerStore(db),
		Records:  NewRecordStore(db),
	}
	for _, initSchema := range []func(context.Context) error{
		s.Orders.InitSchema,
		s.Receipts.InitSchema,
		s.Sagas.InitSchema,
		s.Ledger.InitSchema,
		s.Records.InitSchema,
	} {
		if err := initSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func execStatements(ctx context.Context, db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time.UTC()
	return &ts
}
