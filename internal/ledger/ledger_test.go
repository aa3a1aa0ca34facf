package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/govalues/decimal"
)

func TestCredit_AppendsAndSums(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	if _, created, err := l.Credit(ctx, "payer-1", decimal.MustParse("2.63"), ReasonOverpaymentCredit, "order-1:tx-1"); err != nil || !created {
		t.Fatalf("first credit: created=%v err=%v", created, err)
	}
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("5.00"), ReasonUnderpaymentCredit, "order-2:tx-2"); err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if _, _, err := l.Credit(ctx, "payer-2", decimal.MustParse("1.00"), ReasonOverpaymentCredit, "order-3:tx-3"); err != nil {
		t.Fatalf("other account: %v", err)
	}

	balance, err := l.Balance(ctx, "payer-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(decimal.MustParse("7.63")) != 0 {
		t.Fatalf("expected 7.63, got %s", balance)
	}
}

func TestCredit_DeduplicatesByReference(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	first, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("2.63"), ReasonOverpaymentCredit, "order-1:tx-1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	again, created, err := l.Credit(ctx, "payer-1", decimal.MustParse("2.63"), ReasonOverpaymentCredit, "order-1:tx-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected existing entry %s, got %s created=%v", first.ID, again.ID, created)
	}
	entries, _ := l.Entries(ctx, "payer-1")
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
}

func TestCredit_ConcurrentReplaysWriteOnce(t *testing.T) {
	l := NewInMemory()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = l.Credit(context.Background(), "payer-1", decimal.MustParse("1.00"), ReasonOverpaymentCredit, "order-1:tx-1")
		}()
	}
	wg.Wait()

	balance, _ := l.Balance(context.Background(), "payer-1")
	if balance.Cmp(decimal.One) != 0 {
		t.Fatalf("expected balance 1, got %s", balance)
	}
}

func TestCredit_Validates(t *testing.T) {
	cases := map[string]struct {
		account, reference string
		amount             string
		reason             Reason
	}{
		"missing account":   {"", "ref", "1", ReasonOverpaymentCredit},
		"missing reference": {"acct", "", "1", ReasonOverpaymentCredit},
		"zero amount":       {"acct", "ref", "0", ReasonOverpaymentCredit},
		"negative credit":   {"acct", "ref", "-1", ReasonUnderpaymentCredit},
		"unknown reason":    {"acct", "ref", "1", Reason("gift")},
		"debit reason":      {"acct", "ref", "1", ReasonWalletPayment},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewInMemory().Credit(context.Background(), tc.account, decimal.MustParse(tc.amount), tc.reason, tc.reference)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestCredit_ManualAdjustmentMayBeNegative(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("5"), ReasonOverpaymentCredit, "a"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("-2"), ReasonManualAdjustment, "b"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	balance, _ := l.Balance(ctx, "payer-1")
	if balance.Cmp(decimal.MustParse("3")) != 0 {
		t.Fatalf("expected 3, got %s", balance)
	}
}

func TestDebit_TakesFromBalanceOnce(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("20.00"), ReasonWalletTopUp, "topup:tx-1"); err != nil {
		t.Fatalf("top up: %v", err)
	}

	entry, created, err := l.Debit(ctx, "payer-1", decimal.MustParse("12.50"), ReasonWalletPayment, "wallet:order-1")
	if err != nil || !created {
		t.Fatalf("debit: created=%v err=%v", created, err)
	}
	if entry.Amount.Cmp(decimal.MustParse("-12.50")) != 0 {
		t.Fatalf("expected a negative entry, got %s", entry.Amount)
	}
	again, created, err := l.Debit(ctx, "payer-1", decimal.MustParse("12.50"), ReasonWalletPayment, "wallet:order-1")
	if err != nil || created || again.ID != entry.ID {
		t.Fatalf("replayed debit: %+v created=%v err=%v", again, created, err)
	}

	balance, _ := l.Balance(ctx, "payer-1")
	if balance.Cmp(decimal.MustParse("7.50")) != 0 {
		t.Fatalf("expected 7.50, got %s", balance)
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("5.00"), ReasonWalletTopUp, "topup:tx-1"); err != nil {
		t.Fatalf("top up: %v", err)
	}

	_, _, err := l.Debit(ctx, "payer-1", decimal.MustParse("9.87"), ReasonWalletPayment, "wallet:order-1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if entries, _ := l.Entries(ctx, "payer-1"); len(entries) != 1 {
		t.Fatalf("expected no debit entry, got %+v", entries)
	}
}

func TestDebit_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	if _, _, err := l.Credit(ctx, "payer-1", decimal.MustParse("10"), ReasonWalletTopUp, "topup:tx-1"); err != nil {
		t.Fatalf("top up: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = l.Debit(ctx, "payer-1", decimal.MustParse("3"), ReasonWalletPayment, fmt.Sprintf("wallet:order-%d", i))
		}(i)
	}
	wg.Wait()

	balance, _ := l.Balance(ctx, "payer-1")
	if balance.Cmp(decimal.One) != 0 {
		t.Fatalf("expected three debits leaving 1, got %s", balance)
	}
}

func TestDebit_Validates(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	if _, _, err := l.Debit(ctx, "payer-1", decimal.MustParse("1"), ReasonWalletTopUp, "ref"); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected credit reason rejected, got %v", err)
	}
	if _, _, err := l.Debit(ctx, "payer-1", decimal.MustParse("-1"), ReasonWalletPayment, "ref"); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected negative amount rejected, got %v", err)
	}
}
