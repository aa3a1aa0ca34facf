package payments

import (
	"context"
	"errors"
	"fmt"

	"domainflow/internal/ledger"
	"domainflow/internal/orders"
	"domainflow/internal/saga"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TopUp credits a confirmed provider payment to a wallet. Each provider transaction credits once.
func (s *Service) TopUp(ctx context.Context, accountID string, n Notification) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "payments.TopUp", trace.WithAttributes(
		attribute.String("wallet.account", accountID),
		attribute.String("payment.provider", string(n.Provider)),
		attribute.String("payment.txid", n.TxID),
	))
	defer span.End()

	log := s.logger.With(zap.String("account_id", accountID), zap.String("txid", n.TxID), zap.String("provider", string(n.Provider)))
	if accountID == "" {
		return "", fmt.Errorf("%w: account id is required", ErrInvalidNotification)
	}
	if !n.Confirmed {
		log.Info("top-up not yet confirmed", zap.Int("confirmations", n.Confirmations))
		return OutcomePending, nil
	}
	if n.PaidAmount.Sign() <= 0 {
		return "", fmt.Errorf("%w: top-up amount must be positive", ErrInvalidNotification)
	}

	_, created, err := s.ledger.Credit(ctx, accountID, n.PaidAmount, ledger.ReasonWalletTopUp, topUpReference(n))
	if err != nil {
		return "", fmt.Errorf("credit top-up: %w", err)
	}
	if !created {
		s.metrics.Incr("webhook.duplicate")
		return OutcomeDuplicate, nil
	}
	log.Info("wallet topped up", zap.Stringer("amount", n.PaidAmount))
	s.metrics.Incr("wallet.topup")
	s.notify(ctx, accountID, saga.TemplateWalletTopUp, map[string]any{
		"account_id": accountID,
		"provider":   string(n.Provider),
		"txid":       n.TxID,
		"amount":     n.PaidAmount.String(),
	}, log)
	return OutcomeCredited, nil
}

// PayFromWallet pays a pending order from the payer's wallet and starts its saga.
// The debit lands before the transition, so a replay after a crash reuses it.
func (s *Service) PayFromWallet(ctx context.Context, orderID string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "payments.PayFromWallet", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	log := s.logger.With(zap.String("order_id", orderID), zap.String("provider", string(ProviderWallet)))

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("wallet payment for unknown order")
		return OutcomeUnknownOrder, fmt.Errorf("pay %s from wallet: %w", orderID, err)
	}
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status != orders.StatusPending {
		s.metrics.Incr("webhook.duplicate")
		return OutcomeDuplicate, nil
	}

	reference := walletReference(orderID)
	_, created, err := s.ledger.Debit(ctx, order.PayerID, order.ExpectedAmount, ledger.ReasonWalletPayment, reference)
	if err != nil {
		return "", fmt.Errorf("debit wallet of %s: %w", order.PayerID, err)
	}

	processing, err := s.orders.Transition(ctx, order.ID, orders.StatusPending, orders.StatusProcessing, s.cfg.Now())
	if err != nil {
		if !errors.Is(err, orders.ErrStatusConflict) {
			return "", fmt.Errorf("start processing: %w", err)
		}
		// Another payment moved the order first; give back what this call took.
		if created {
			if _, _, err := s.ledger.Credit(ctx, order.PayerID, order.ExpectedAmount, ledger.ReasonWalletRefund, reference); err != nil {
				return "", fmt.Errorf("refund wallet of %s: %w", order.PayerID, err)
			}
			log.Info("wallet payment refunded after a concurrent payment")
		}
		s.metrics.Incr("webhook.duplicate")
		return OutcomeDuplicate, nil
	}
	s.metrics.Incr("payment.wallet")
	log.Info("order paid from wallet", zap.Stringer("amount", order.ExpectedAmount))

	return s.run(ctx, processing, Notification{
		Provider:   ProviderWallet,
		TxID:       reference,
		Confirmed:  true,
		PaidAmount: order.ExpectedAmount,
		Currency:   order.Currency,
	}, log)
}

func topUpReference(n Notification) string {
	return "topup:" + string(n.Provider) + ":" + n.TxID
}

func walletReference(orderID string) string {
	return "wallet:" + orderID
}
