package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/govalues/decimal"
)

// Provider names a payment gateway that calls the webhook.
type Provider string

const (
	ProviderBlockBee Provider = "blockbee"
	ProviderDynoPay  Provider = "dynopay"
	// ProviderWallet marks an order paid from the payer's wallet balance. It never calls the webhook.
	ProviderWallet Provider = "wallet"
)

var (
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrInvalidNotification = errors.New("invalid payment notification")
)

// Notification is a provider callback normalized to one shape.
type Notification struct {
	Provider      Provider        `json:"provider"`
	TxID          string          `json:"txid"`
	Confirmed     bool            `json:"confirmed"`
	Confirmations int             `json:"confirmations"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Currency      string          `json:"currency,omitempty"`
}

var confirmedStatuses = map[string]bool{
	"confirmed":  true,
	"successful": true,
	"success":    true,
	"sent":       true,
	"done":       true,
	"paid":       true,
	"completed":  true,
}

// Normalize maps provider-specific callback fields onto a Notification.
//
// blockbee: txid_in, confirmations, optional status, value_coin and price
// (paid = value_coin * price rounded to cents; price defaults to 1), coin.
// dynopay: status, base_amount, txid or transaction_id, confirmations, currency.
func Normalize(provider string, fields map[string]string) (Notification, error) {
	get := func(name string) string { return strings.TrimSpace(fields[name]) }

	switch Provider(strings.ToLower(strings.TrimSpace(provider))) {
	case ProviderBlockBee:
		confirmations, err := parseConfirmations(get("confirmations"))
		if err != nil {
			return Notification{}, err
		}
		value, err := parseAmount("value_coin", get("value_coin"))
		if err != nil {
			return Notification{}, err
		}
		price := decimal.One
		if raw := get("price"); raw != "" {
			if price, err = parseAmount("price", raw); err != nil {
				return Notification{}, err
			}
		}
		paid, err := value.Mul(price)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: value_coin * price: %v", ErrInvalidNotification, err)
		}
		// Either signal confirms: a confirmed status or at least one confirmation.
		confirmed := confirmations >= 1 || confirmedStatuses[strings.ToLower(get("status"))]
		n := Notification{
			Provider:      ProviderBlockBee,
			TxID:          get("txid_in"),
			Confirmed:     confirmed,
			Confirmations: confirmations,
			PaidAmount:    paid.Round(2),
			Currency:      strings.ToUpper(get("coin")),
		}
		return n, n.validate()

	case ProviderDynoPay:
		confirmations, err := parseConfirmations(get("confirmations"))
		if err != nil {
			return Notification{}, err
		}
		paid, err := parseAmount("base_amount", get("base_amount"))
		if err != nil {
			return Notification{}, err
		}
		txid := get("txid")
		if txid == "" {
			txid = get("transaction_id")
		}
		n := Notification{
			Provider:      ProviderDynoPay,
			TxID:          txid,
			Confirmed:     confirmedStatuses[strings.ToLower(get("status"))],
			Confirmations: confirmations,
			PaidAmount:    paid.Round(2),
			Currency:      strings.ToUpper(get("currency")),
		}
		return n, n.validate()
	}
	return Notification{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

func (n Notification) validate() error {
	if n.Confirmed && n.TxID == "" {
		return fmt.Errorf("%w: confirmed payment without transaction id", ErrInvalidNotification)
	}
	return nil
}

// Key identifies a delivery for deduplication.
func (n Notification) Key(orderID string) string {
	return orderID + ":" + n.TxID
}

func parseConfirmations(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("%w: confirmations %q", ErrInvalidNotification, raw)
	}
	return val, nil
}

func parseAmount(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", ErrInvalidNotification, name)
	}
	val, err := decimal.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", ErrInvalidNotification, name, raw)
	}
	if val.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrInvalidNotification, name)
	}
	return val, nil
}
