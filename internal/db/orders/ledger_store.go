package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/ledger"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
)

// LedgerStore is the append-only wallet ledger in Postgres.
type LedgerStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewLedgerStore constructs a LedgerStore backed by Postgres.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, now: time.Now, newID: uuid.NewString}
}

// InitSchema creates the wallet_ledger table if it does not exist.
func (s *LedgerStore) InitSchema(ctx context.Context) error {
	return execStatements(ctx, s.db, []string{
		`CREATE TABLE IF NOT EXISTS wallet_ledger (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount NUMERIC(20, 8) NOT NULL,
			reason TEXT NOT NULL,
			reference TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (account_id, reference, reason)
		)`,
		`CREATE INDEX IF NOT EXISTS wallet_ledger_account_idx ON wallet_ledger (account_id, created_at)`,
	})
}

func (s *LedgerStore) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reason ledger.Reason, reference string) (ledger.Entry, bool, error) {
	if err := ledger.Validate(accountID, amount, reason, reference); err != nil {
		return ledger.Entry{}, false, err
	}
	entry := ledger.Entry{
		ID:        s.newID(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_ledger (id, account_id, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, reference, reason) DO NOTHING`,
		entry.ID, entry.AccountID, entry.Amount.String(), string(entry.Reason), entry.Reference, entry.CreatedAt,
	)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Entry{}, false, err
	}
	if affected == 1 {
		return entry, true, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount::TEXT, reason, reference, created_at
		FROM wallet_ledger
		WHERE account_id = $1 AND reference = $2 AND reason = $3`,
		accountID, reference, string(reason),
	)
	existing, err := scanEntry(row)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("load existing entry: %w", err)
	}
	return existing, false, nil
}

// Debit serializes debits per account with a transaction-scoped advisory lock so two
// payments cannot both spend the same balance.
func (s *LedgerStore) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reason ledger.Reason, reference string) (ledger.Entry, bool, error) {
	if err := ledger.ValidateDebit(accountID, amount, reason, reference); err != nil {
		return ledger.Entry{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("lock account: %w", err)
	}

	existing, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT id, account_id, amount::TEXT, reason, reference, created_at
		FROM wallet_ledger
		WHERE account_id = $1 AND reference = $2 AND reason = $3`,
		accountID, reference, string(reason),
	))
	switch {
	case err == nil:
		return existing, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return ledger.Entry{}, false, fmt.Errorf("load existing entry: %w", err)
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0)::TEXT FROM wallet_ledger WHERE account_id = $1`, accountID).Scan(&raw); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("sum balance: %w", err)
	}
	balance, err := decimal.Parse(raw)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("decode balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return ledger.Entry{}, false, fmt.Errorf("%w: %s has %s, needs %s", ledger.ErrInsufficientFunds, accountID, balance.Trim(2), amount)
	}

	entry := ledger.Entry{
		ID:        s.newID(),
		AccountID: accountID,
		Amount:    amount.Neg(),
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (id, account_id, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.AccountID, entry.Amount.String(), string(entry.Reason), entry.Reference, entry.CreatedAt,
	); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert debit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *LedgerStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0)::TEXT FROM wallet_ledger WHERE account_id = $1`, accountID)
	if err := row.Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}
	return balance.Trim(2), nil
}

func (s *LedgerStore) Entries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount::TEXT, reason, reference, created_at
		FROM wallet_ledger
		WHERE account_id = $1
		ORDER BY created_at, id`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entry  ledger.Entry
		amount string
		reason string
	)
	if err := row.Scan(&entry.ID, &entry.AccountID, &amount, &reason, &entry.Reference, &entry.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	value, err := decimal.Parse(amount)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("decode amount: %w", err)
	}
	entry.Amount = value.Trim(2)
	entry.Reason = ledger.Reason(reason)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}
