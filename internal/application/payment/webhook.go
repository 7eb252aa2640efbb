package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// HandleWebhook reconciles a verified gateway event. Deliveries may repeat
// or arrive out of order; every branch checks the current status first.
// Store failures are retried with backoff; unknown references are
// acknowledged and logged so the gateway stops redelivering.
func (s *Service) HandleWebhook(ctx context.Context, ev transaction.WebhookEvent) error {
	log := s.logger.With().
		Str("eventType", string(ev.Type)).
		Str("paymentId", ev.PaymentID).
		Str("orderId", ev.OrderID).
		Str("payoutId", ev.PayoutID).
		Logger()

	op := func() error {
		err := s.applyWebhook(ctx, ev)
		if err == nil {
			return nil
		}
		switch apperr.KindOf(err) {
		case apperr.KindInternal, apperr.KindExternal:
			return err
		}
		if errors.Is(err, apperr.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(s.retry(), ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("webhook reconciliation retry")
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrVersionConflict):
	case errors.Is(err, transaction.ErrNotFound):
		log.Warn().Msg("webhook references an unknown transaction")
		return nil
	case apperr.KindOf(err) == apperr.KindStateConflict:
		log.Info().Err(err).Msg("webhook ignored for current state")
		return nil
	}
	log.Error().Err(err).Msg("webhook reconciliation failed")
	return err
}

func (s *Service) applyWebhook(ctx context.Context, ev transaction.WebhookEvent) error {
	switch ev.Type {
	case transaction.EventPaymentCaptured:
		t, err := s.findPayment(ctx, ev)
		if err != nil {
			return err
		}
		_, err = s.capture(ctx, t.ID, ev.PaymentID, user.System)
		return err

	case transaction.EventPaymentFailed:
		t, err := s.findPayment(ctx, ev)
		if err != nil {
			return err
		}
		t, changed, err := transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
			return t.MarkFailed(ev.PaymentID), nil
		})
		if err != nil || !changed {
			return err
		}
		s.logTransaction(ctx, t, audit.ActionPaymentFailed, user.System, map[string]any{
			"paymentId": ev.PaymentID,
			"reason":    ev.Reason,
		})
		return nil

	case transaction.EventPayoutProcessed, transaction.EventPayoutFailed, transaction.EventPayoutReversed:
		status, _ := transaction.PayoutStatusFor(ev.Type)
		if ev.PayoutID == "" {
			return transaction.ErrNotFound
		}
		t, err := s.txs.GetByPayoutID(ctx, ev.PayoutID)
		if err != nil {
			return err
		}
		if t == nil {
			return transaction.ErrNotFound
		}
		t, changed, err := transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
			return t.ApplyPayoutStatus(status), nil
		})
		if err != nil || !changed {
			return err
		}
		s.logTransaction(ctx, t, audit.ActionPayoutReconciled, user.System, map[string]any{
			"payoutId":     ev.PayoutID,
			"payoutStatus": t.PayoutStatus,
			"event":        ev.Type,
			"reason":       ev.Reason,
		})
		return nil
	}

	s.logger.Debug().Str("eventType", string(ev.Type)).Msg("ignoring webhook event")
	return nil
}

// findPayment looks the transaction up by payment id, then by order id.
func (s *Service) findPayment(ctx context.Context, ev transaction.WebhookEvent) (*transaction.Transaction, error) {
	if ev.PaymentID != "" {
		t, err := s.txs.GetByPaymentID(ctx, ev.PaymentID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	if ev.OrderID != "" {
		t, err := s.txs.GetByOrderID(ctx, ev.OrderID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, transaction.ErrNotFound
}
