package httpapi

import (
	"context"
	"errors"
	"net/http"

	"domainflow/internal/ledger"
	"domainflow/internal/orders"
	"domainflow/internal/payments"
)

// mapError is the only place errors become HTTP status codes.
func mapError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, payments.ErrUnknownProvider),
		errors.Is(err, payments.ErrInvalidNotification),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, orders.ErrStatusConflict),
		errors.Is(err, orders.ErrIllegalTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

var errServerStatus = errors.New("handler responded with a server error")
