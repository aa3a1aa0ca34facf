package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
)

// Reason explains why a ledger entry exists.
type Reason string

const (
	ReasonOverpaymentCredit  Reason = "overpayment_credit"
	ReasonUnderpaymentCredit Reason = "underpayment_credit"
	ReasonManualAdjustment   Reason = "manual_adjustment"
	ReasonWalletTopUp        Reason = "wallet_topup"
	ReasonWalletPayment      Reason = "wallet_payment"
	ReasonWalletRefund       Reason = "wallet_refund"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonOverpaymentCredit, ReasonUnderpaymentCredit, ReasonManualAdjustment,
		ReasonWalletTopUp, ReasonWalletPayment, ReasonWalletRefund:
		return true
	}
	return false
}

// Entry is one immutable movement on an account.
type Entry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    Reason          `json:"reason"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// Debits reports whether entries with reason r take money out of the account.
func (r Reason) Debits() bool {
	return r == ReasonWalletPayment
}

var (
	ErrInvalidEntry      = errors.New("invalid ledger entry")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
)

// Ledger is an append-only account journal. The balance is the sum of entries.
type Ledger interface {
	// Credit appends an entry unless (accountID, reference, reason) already exists, in which case the
	// existing entry is returned with created=false.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, reason Reason, reference string) (entry Entry, created bool, err error)
	// Debit appends an entry of -amount when the balance covers amount, and fails with
	// ErrInsufficientFunds otherwise. A repeated (accountID, reference, reason) returns the
	// existing entry with created=false without checking the balance again.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, reason Reason, reference string) (entry Entry, created bool, err error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Entries(ctx context.Context, accountID string) ([]Entry, error)
}

// Validate checks the arguments of a Credit call.
func Validate(accountID string, amount decimal.Decimal, reason Reason, reference string) error {
	switch {
	case accountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidEntry)
	case reference == "":
		return fmt.Errorf("%w: reference is required", ErrInvalidEntry)
	case !reason.Valid():
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidEntry, reason)
	case amount.IsZero():
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidEntry)
	case reason.Debits():
		return fmt.Errorf("%w: %s is a debit", ErrInvalidEntry, reason)
	case reason != ReasonManualAdjustment && amount.Sign() < 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidEntry, reason)
	}
	return nil
}

// ValidateDebit checks the arguments of a Debit call. amount is the positive sum taken out.
func ValidateDebit(accountID string, amount decimal.Decimal, reason Reason, reference string) error {
	switch {
	case accountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidEntry)
	case reference == "":
		return fmt.Errorf("%w: reference is required", ErrInvalidEntry)
	case !reason.Debits():
		return fmt.Errorf("%w: %q is not a debit reason", ErrInvalidEntry, reason)
	case amount.Sign() <= 0:
		return fmt.Errorf("%w: debit amount must be positive", ErrInvalidEntry)
	}
	return nil
}

type entryKey struct {
	account   string
	reference string
	reason    Reason
}

// NewInMemory constructs an in-memory ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		index: make(map[entryKey]int),
		now:   time.Now,
	}
}

// InMemory keeps entries in insertion order.
type InMemory struct {
	mu      sync.Mutex
	entries []Entry
	index   map[entryKey]int
	now     func() time.Time
}

func (l *InMemory) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reason Reason, reference string) (Entry, bool, error) {
	if err := Validate(accountID, amount, reason, reference); err != nil {
		return Entry{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey{account: accountID, reference: reference, reason: reason}
	if i, ok := l.index[key]; ok {
		return l.entries[i], false, nil
	}
	entry := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, entry)
	return entry, true, nil
}

func (l *InMemory) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reason Reason, reference string) (Entry, bool, error) {
	if err := ValidateDebit(accountID, amount, reason, reference); err != nil {
		return Entry{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey{account: accountID, reference: reference, reason: reason}
	if i, ok := l.index[key]; ok {
		return l.entries[i], false, nil
	}
	balance, err := l.balance(accountID)
	if err != nil {
		return Entry{}, false, err
	}
	if balance.Cmp(amount) < 0 {
		return Entry{}, false, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, accountID, balance, amount)
	}
	entry := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount.Neg(),
		Reason:    reason,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, entry)
	return entry, true, nil
}

func (l *InMemory) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(accountID)
}

func (l *InMemory) balance(accountID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range l.entries {
		if e.AccountID != accountID {
			continue
		}
		var err error
		if total, err = total.Add(e.Amount); err != nil {
			return decimal.Zero, fmt.Errorf("sum balance: %w", err)
		}
	}
	return total, nil
}

func (l *InMemory) Entries(ctx context.Context, accountID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}
