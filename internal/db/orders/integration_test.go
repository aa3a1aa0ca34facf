package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"domainflow/internal/ledger"
	"domainflow/internal/orders"
	"domainflow/internal/payments"
	"domainflow/internal/saga"

	"github.com/govalues/decimal"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// openIntegrationDB reuses DOMAINFLOW_TEST_PG_DSN when set, otherwise starts a Postgres 16
// container when DOMAINFLOW_INTEGRATION=1.
func openIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	ctx := context.Background()
	dsn := os.Getenv("DOMAINFLOW_TEST_PG_DSN")
	if dsn == "" {
		if os.Getenv("DOMAINFLOW_INTEGRATION") != "1" {
			t.Skip("set DOMAINFLOW_INTEGRATION=1 or DOMAINFLOW_TEST_PG_DSN to run Postgres tests")
		}
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("domainflow"),
			postgres.WithUsername("domainflow"),
			postgres.WithPassword("domainflow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("terminate postgres: %v", err)
			}
		})
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresStores_Integration(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := t.Context()

	stores, err := NewStoresWithSchema(ctx, db)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	orderID := "order-" + time.Now().UTC().Format("20060102150405.000000000")
	now := time.Now().UTC().Truncate(time.Microsecond)
	err = stores.Orders.Create(ctx, orders.Order{
		ID:             orderID,
		PayerID:        "payer-it",
		Params:         orders.Params{DomainName: orderID + ".example", DNSMode: orders.DNSModeManaged},
		ExpectedAmount: decimal.MustParse("9.87"),
		Currency:       "USD",
		Status:         orders.StatusPending,
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	// Only one of two racing transitions out of pending wins.
	if _, err := stores.Orders.Transition(ctx, orderID, orders.StatusPending, orders.StatusProcessing, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := stores.Orders.Transition(ctx, orderID, orders.StatusPending, orders.StatusFailed, now); !errors.Is(err, orders.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	stalled, err := stores.Orders.ListProcessingBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("list processing: %v", err)
	}
	if !slices.ContainsFunc(stalled, func(o orders.Order) bool { return o.ID == orderID }) {
		t.Fatalf("expected %s among processing orders", orderID)
	}

	receipt := payments.Receipt{OrderID: orderID, TxID: "tx-1", Provider: payments.ProviderBlockBee, PaidAmount: decimal.MustParse("9.87"), ReceivedAt: now}
	if inserted, err := stores.Receipts.Record(ctx, receipt); err != nil || !inserted {
		t.Fatalf("first record: inserted=%v err=%v", inserted, err)
	}
	if inserted, err := stores.Receipts.Record(ctx, receipt); err != nil || inserted {
		t.Fatalf("replayed record: inserted=%v err=%v", inserted, err)
	}

	reference := orderID + ":tx-1"
	if _, created, err := stores.Ledger.Credit(ctx, "payer-it-"+orderID, decimal.MustParse("2.63"), ledger.ReasonOverpaymentCredit, reference); err != nil || !created {
		t.Fatalf("credit: created=%v err=%v", created, err)
	}
	if _, created, err := stores.Ledger.Credit(ctx, "payer-it-"+orderID, decimal.MustParse("2.63"), ledger.ReasonOverpaymentCredit, reference); err != nil || created {
		t.Fatalf("replayed credit: created=%v err=%v", created, err)
	}
	balance, err := stores.Ledger.Balance(ctx, "payer-it-"+orderID)
	if err != nil || balance.String() != "2.63" {
		t.Fatalf("balance %s err=%v", balance, err)
	}

	sagaID := "saga-" + orderID
	if err := stores.Sagas.Create(ctx, saga.Execution{SagaID: sagaID, OrderID: orderID, Status: saga.StatusStarted, CreatedAt: now}); err != nil {
		t.Fatalf("create saga: %v", err)
	}
	for _, name := range []string{saga.StepProvisionDNSZone, saga.StepReserveContact} {
		done := now
		if err := stores.Sagas.PutStep(ctx, sagaID, saga.StepRecord{Name: name, Status: saga.StepCompleted, Result: []byte(`{}`), CompletedAt: &done}); err != nil {
			t.Fatalf("put step %s: %v", name, err)
		}
	}
	if err := stores.Sagas.PutStep(ctx, "missing-"+sagaID, saga.StepRecord{Name: saga.StepReserveContact, Status: saga.StepPending}); !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
	execs, err := stores.Sagas.ListByOrder(ctx, orderID)
	if err != nil || len(execs) != 1 || len(execs[0].Steps) != 2 || execs[0].Steps[0].Name != saga.StepReserveContact {
		t.Fatalf("unexpected executions %+v err=%v", execs, err)
	}

	id, err := stores.Records.Create(ctx, saga.DomainRecord{DomainName: orderID + ".example", RegistrarID: "reg-1", OrderID: orderID})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	again, err := stores.Records.Create(ctx, saga.DomainRecord{DomainName: orderID + ".example", RegistrarID: "reg-2", OrderID: orderID})
	if err != nil || again != id {
		t.Fatalf("expected existing record %s, got %s err=%v", id, again, err)
	}
	if err := stores.Records.Delete(ctx, id); err != nil {
		t.Fatalf("delete record: %v", err)
	}
}
