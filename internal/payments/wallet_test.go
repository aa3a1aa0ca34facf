package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"domainflow/internal/ledger"
	"domainflow/internal/orders"
	"domainflow/internal/saga"

	"github.com/govalues/decimal"
)

func (f *fixture) topUp(t *testing.T, txid, amount string) {
	t.Helper()
	outcome, err := f.svc.TopUp(context.Background(), "payer-1", paid(txid, amount))
	if err != nil || outcome != OutcomeCredited {
		t.Fatalf("top up: %s %v", outcome, err)
	}
}

func TestTopUp_CreditsOnceAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	f.topUp(t, "tx-1", "20.00")

	outcome, err := f.svc.TopUp(context.Background(), "payer-1", paid("tx-1", "20.00"))
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("replayed top-up: %s %v", outcome, err)
	}
	if bal := f.balance(t); bal.Cmp(decimal.MustParse("20.00")) != 0 {
		t.Fatalf("expected 20.00, got %s", bal)
	}
	notices := f.notifier.byKind(saga.TemplateWalletTopUp)
	if len(notices) != 1 || notices[0].Payload["amount"] != "20.00" || notices[0].Recipient != "payer-1" {
		t.Fatalf("unexpected top-up notices %+v", notices)
	}
	entries, _ := f.ledger.Entries(context.Background(), "payer-1")
	if len(entries) != 1 || entries[0].Reason != ledger.ReasonWalletTopUp || entries[0].Reference != "topup:dynopay:tx-1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestTopUp_UnconfirmedIsPending(t *testing.T) {
	f := newFixture(t, nil)
	n := paid("tx-1", "20.00")
	n.Confirmed = false

	outcome, err := f.svc.TopUp(context.Background(), "payer-1", n)
	if err != nil || outcome != OutcomePending {
		t.Fatalf("expected pending, got %s %v", outcome, err)
	}
	if bal := f.balance(t); !bal.IsZero() {
		t.Fatalf("expected no credit, got %s", bal)
	}
}

func TestTopUp_RejectsZeroAmount(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.TopUp(context.Background(), "payer-1", paid("tx-1", "0")); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected ErrInvalidNotification, got %v", err)
	}
}

func TestPayFromWallet_DebitsAndRegisters(t *testing.T) {
	f := newFixture(t, nil)
	f.topUp(t, "tx-1", "20.00")
	f.createOrder(t, "order-1", "9.87")
	ctx := context.Background()

	outcome, err := f.svc.PayFromWallet(ctx, "order-1")
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("pay from wallet: %s %v", outcome, err)
	}
	if got := f.status(t, "order-1"); got != orders.StatusCompleted {
		t.Fatalf("expected completed order, got %s", got)
	}

	again, err := f.svc.PayFromWallet(ctx, "order-1")
	if err != nil || again != OutcomeDuplicate {
		t.Fatalf("replay: %s %v", again, err)
	}
	if bal := f.balance(t); bal.Cmp(decimal.MustParse("10.13")) != 0 {
		t.Fatalf("expected 10.13 left, got %s", bal)
	}
	if f.registrar.RegisterCalls() != 1 {
		t.Fatalf("expected one registration, got %d", f.registrar.RegisterCalls())
	}
}

func TestPayFromWallet_InsufficientFundsKeepsOrderPending(t *testing.T) {
	f := newFixture(t, nil)
	f.topUp(t, "tx-1", "5.00")
	f.createOrder(t, "order-1", "9.87")

	_, err := f.svc.PayFromWallet(context.Background(), "order-1")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.status(t, "order-1"); got != orders.StatusPending {
		t.Fatalf("expected pending order, got %s", got)
	}
	if bal := f.balance(t); bal.Cmp(decimal.MustParse("5.00")) != 0 {
		t.Fatalf("expected balance untouched, got %s", bal)
	}
}

func TestPayFromWallet_UnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	outcome, err := f.svc.PayFromWallet(context.Background(), "missing")
	if outcome != OutcomeUnknownOrder || !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected unknown order, got %s %v", outcome, err)
	}
}

// crossingOrders starts processing the order itself right before the caller's transition,
// as a crypto payment landing at the same moment would.
type crossingOrders struct {
	*orders.InMemoryStore
	crossed bool
}

func (c *crossingOrders) Transition(ctx context.Context, id string, from, to orders.Status, at time.Time) (orders.Order, error) {
	if !c.crossed && from == orders.StatusPending && to == orders.StatusProcessing {
		c.crossed = true
		if _, err := c.InMemoryStore.Transition(ctx, id, from, to, at); err != nil {
			return orders.Order{}, err
		}
	}
	return c.InMemoryStore.Transition(ctx, id, from, to, at)
}

func TestPayFromWallet_RefundsWhenAnotherPaymentWins(t *testing.T) {
	f := newFixture(t, nil)
	f.topUp(t, "tx-1", "20.00")
	f.createOrder(t, "order-1", "9.87")
	f.svc.orders = &crossingOrders{InMemoryStore: f.orders}

	outcome, err := f.svc.PayFromWallet(context.Background(), "order-1")
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s %v", outcome, err)
	}
	if bal := f.balance(t); bal.Cmp(decimal.MustParse("20.00")) != 0 {
		t.Fatalf("expected the debit refunded, got %s", bal)
	}
	entries, _ := f.ledger.Entries(context.Background(), "payer-1")
	if len(entries) != 3 || entries[2].Reason != ledger.ReasonWalletRefund {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if f.registrar.RegisterCalls() != 0 {
		t.Fatalf("wallet payment must not start a saga it lost")
	}
}
