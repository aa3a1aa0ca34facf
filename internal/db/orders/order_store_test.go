package ordersdb

import (
	"errors"
	"testing"
	"time"

	"domainflow/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/govalues/decimal"
)

var orderRowColumns = []string{"id", "correlation_id", "payer_id", "params", "expected_amount", "currency", "status", "created_at", "updated_at", "completed_at"}

const orderParamsJSON = `{"domain_name":"example.com","dns_mode":"managed","contact":{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"}}`

func orderRow(status string, completedAt any) *sqlmock.Rows {
	return sqlmock.NewRows(orderRowColumns).
		AddRow("order-1", nil, "payer-1", []byte(orderParamsJSON), "9.87000000", "USD", status, testNow, testNow, completedAt)
}

func TestOrderStore_Create(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO domain_orders").
		WithArgs("order-1", nil, "payer-1", sqlmock.AnyArg(), "9.87", "USD", "pending", testNow, testNow, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewOrderStore(db)
	err := store.Create(t.Context(), orders.Order{
		ID:             "order-1",
		PayerID:        "payer-1",
		Params:         orders.Params{DomainName: "example.com", DNSMode: orders.DNSModeManaged},
		ExpectedAmount: decimal.MustParse("9.87"),
		Currency:       "USD",
		Status:         orders.StatusPending,
		CreatedAt:      testNow,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_Create_Duplicate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO domain_orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewOrderStore(db)
	err := store.Create(t.Context(), orders.Order{ID: "order-1", Status: orders.StatusPending, CreatedAt: testNow})
	if !errors.Is(err, orders.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestOrderStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, correlation_id, payer_id").
		WithArgs("order-1").
		WillReturnRows(orderRow("pending", nil))
	mock.ExpectClose()

	store := NewOrderStore(db)
	order, err := store.Get(t.Context(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.ExpectedAmount.String() != "9.87" {
		t.Fatalf("expected trimmed amount, got %s", order.ExpectedAmount)
	}
	if order.Params.DomainName != "example.com" || order.Params.Contact.Email != "ada@example.com" {
		t.Fatalf("unexpected params %+v", order.Params)
	}
	if order.Status != orders.StatusPending || order.CompletedAt != nil {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, correlation_id, payer_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if _, err := store.Get(t.Context(), "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrderStore_Transition(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	done := testNow.Add(time.Minute)
	mock.ExpectQuery("UPDATE domain_orders").
		WithArgs("order-1", "processing", "completed", done, done).
		WillReturnRows(orderRow("completed", done))
	mock.ExpectClose()

	store := NewOrderStore(db)
	order, err := store.Transition(t.Context(), "order-1", orders.StatusProcessing, orders.StatusCompleted, done)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if order.Status != orders.StatusCompleted || order.CompletedAt == nil || !order.CompletedAt.Equal(done) {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderStore_Transition_Conflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("UPDATE domain_orders").
		WithArgs("order-1", "pending", "processing", testNow, nil).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))
	mock.ExpectQuery("SELECT id, correlation_id, payer_id").
		WithArgs("order-1").
		WillReturnRows(orderRow("processing", nil))
	mock.ExpectClose()

	store := NewOrderStore(db)
	current, err := store.Transition(t.Context(), "order-1", orders.StatusPending, orders.StatusProcessing, testNow)
	if !errors.Is(err, orders.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if current.Status != orders.StatusProcessing {
		t.Fatalf("expected current status, got %s", current.Status)
	}
}

func TestOrderStore_Transition_Illegal(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	store := NewOrderStore(db)
	_, err := store.Transition(t.Context(), "order-1", orders.StatusCompleted, orders.StatusPending, testNow)
	if !errors.Is(err, orders.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestOrderStore_ListPendingBefore(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	cutoff := testNow.Add(time.Hour)
	mock.ExpectQuery("WHERE status = (.+) AND created_at <").
		WithArgs("pending", cutoff).
		WillReturnRows(orderRow("pending", nil))
	mock.ExpectClose()

	store := NewOrderStore(db)
	pending, err := store.ListPendingBefore(t.Context(), cutoff)
	if err != nil {
		t.Fatalf("ListPendingBefore: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "order-1" {
		t.Fatalf("unexpected orders %+v", pending)
	}
}

func TestOrderStore_ListProcessingBefore(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	cutoff := testNow.Add(15 * time.Minute)
	mock.ExpectQuery("WHERE status = (.+) AND updated_at <").
		WithArgs("processing", cutoff).
		WillReturnRows(orderRow("processing", nil))
	mock.ExpectClose()

	store := NewOrderStore(db)
	stalled, err := store.ListProcessingBefore(t.Context(), cutoff)
	if err != nil {
		t.Fatalf("ListProcessingBefore: %v", err)
	}
	if len(stalled) != 1 || stalled[0].Status != orders.StatusProcessing || !stalled[0].UpdatedAt.Equal(testNow) {
		t.Fatalf("unexpected orders %+v", stalled)
	}
}
