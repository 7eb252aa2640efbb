package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// OrderResult is what the checkout client needs to collect the payment.
type OrderResult struct {
	Transaction *transaction.Transaction `json:"transaction"`
	OrderID     string                   `json:"orderId"`
	AmountMinor int64                    `json:"amount"`
	Currency    string                   `json:"currency"`
	KeyID       string                   `json:"keyId"`
}

// CreateOrder opens a gateway order for the room's transaction. The shell
// created on join is reused; a failed or refunded transaction is replaced.
func (s *Service) CreateOrder(ctx context.Context, actor user.Actor, roomID uuid.UUID, amount decimal.Decimal, description string) (*OrderResult, error) {
	r, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.IsBuyer(actor.UserID) {
		return nil, room.ErrNotBuyer
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	if !r.BothAssigned() {
		return nil, room.ErrParticipantsMissing
	}

	t, err := s.prepareTransaction(ctx, r, amount, description)
	if err != nil {
		return nil, err
	}

	order, err := s.gateway.CreateOrder(ctx, transaction.OrderRequest{
		TransactionID: t.ID,
		AmountMinor:   t.TotalMinor(),
		Currency:      t.Currency,
		Receipt:       t.ID.String(),
		Notes:         map[string]string{"roomId": r.ID.String()},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transactionId", t.ID.String()).Msg("gateway order creation failed")
		return nil, gatewayErr(err)
	}

	t, _, err = transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
		return true, t.AttachOrder(order.ID)
	})
	if err != nil {
		return nil, err
	}

	s.advanceRoom(ctx, r.ID, room.StatusAwaitingPayment, actor, "order created")
	s.logTransaction(ctx, t, audit.ActionOrderCreated, actor, map[string]any{
		"orderId":     order.ID,
		"amount":      t.Amount,
		"commission":  t.Commission,
		"amountMinor": t.TotalMinor(),
	})
	s.logger.Info().
		Str("transactionId", t.ID.String()).
		Str("roomId", r.ID.String()).
		Str("orderId", order.ID).
		Int64("amountMinor", t.TotalMinor()).
		Msg("order created")

	return &OrderResult{
		Transaction: t,
		OrderID:     order.ID,
		AmountMinor: t.TotalMinor(),
		Currency:    t.Currency,
		KeyID:       s.cfg.KeyID,
	}, nil
}

// prepareTransaction returns an INITIATED transaction without an order,
// priced at amount, that the room references.
func (s *Service) prepareTransaction(ctx context.Context, r *room.Room, amount decimal.Decimal, description string) (*transaction.Transaction, error) {
	var current *transaction.Transaction
	if r.TransactionID != nil {
		t, err := s.txs.GetByID(ctx, *r.TransactionID)
		if err != nil {
			return nil, err
		}
		current = t
	}

	if current != nil && current.IsActive() {
		t, _, err := transaction.Mutate(ctx, s.txs, current.ID, func(t *transaction.Transaction) (bool, error) {
			return true, t.PrepareOrder(amount, description)
		})
		return t, err
	}

	t, err := transaction.New(r.ID, r.Buyer.UserID, r.Seller.UserID, amount)
	if err != nil {
		return nil, err
	}
	t.Description = description
	if current == nil && r.TransactionID != nil {
		// The shell write was lost; recreate it under the referenced id.
		t.ID = *r.TransactionID
	}
	if err := s.txs.Create(ctx, t); err != nil {
		return nil, err
	}
	if r.TransactionID == nil || *r.TransactionID != t.ID {
		replacing := r.TransactionID
		if _, err := room.Mutate(ctx, s.rooms, r.ID, func(r *room.Room) error {
			return r.AttachTransaction(t.ID, replacing)
		}); err != nil {
			return nil, fmt.Errorf("failed to attach transaction: %w", err)
		}
	}
	return t, nil
}

// VerifyPayment checks the checkout signature and captures the payment.
// A mismatch leaves the transaction untouched.
func (s *Service) VerifyPayment(ctx context.Context, actor user.Actor, orderID, paymentID, signature string) (*transaction.Transaction, error) {
	if err := transaction.VerifyPaymentSignature(orderID, paymentID, signature, s.cfg.KeySecret); err != nil {
		s.logger.Warn().Str("orderId", orderID).Str("paymentId", paymentID).Msg("payment signature mismatch")
		return nil, err
	}
	t, err := s.txs.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transaction.ErrNotFound
	}
	if t.BuyerID != actor.UserID {
		return nil, room.ErrNotBuyer
	}
	return s.capture(ctx, t.ID, paymentID, actor)
}

// capture marks the transaction SUCCESS and activates the room. Replays
// return the stored transaction without side effects on it. A capture for an
// order the room has since replaced is refunded instead.
func (s *Service) capture(ctx context.Context, id uuid.UUID, paymentID string, actor user.Actor) (*transaction.Transaction, error) {
	stale, err := s.isSuperseded(ctx, id)
	if err != nil {
		return nil, err
	}
	if stale {
		return s.refundStaleCapture(ctx, id, paymentID, actor)
	}

	t, changed, err := transaction.Mutate(ctx, s.txs, id, func(t *transaction.Transaction) (bool, error) {
		return t.MarkCaptured(paymentID)
	})
	if err != nil {
		return nil, err
	}
	s.advanceRoom(ctx, t.RoomID, room.StatusActive, actor, "payment captured")
	if !changed {
		return t, nil
	}

	s.logTransaction(ctx, t, audit.ActionPaymentCaptured, actor, map[string]any{
		"paymentId": t.GatewayPaymentID,
		"orderId":   t.GatewayOrderID,
	})
	s.notifyParticipants(ctx, t.RoomID, notification.KindPaymentReceived,
		"Payment received into escrow",
		fmt.Sprintf("%s %s is held in escrow for room %s.", t.Total().StringFixed(2), t.Currency, t.RoomID),
		false, true)
	s.logger.Info().
		Str("transactionId", t.ID.String()).
		Str("paymentId", t.GatewayPaymentID).
		Msg("payment captured")
	return t, nil
}

// isSuperseded reports whether a not yet captured transaction is no longer
// the one its room references.
func (s *Service) isSuperseded(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, transaction.ErrNotFound
	}
	if t.PaymentStatus == transaction.StatusSuccess || t.PaymentStatus == transaction.StatusRefunded {
		return false, nil
	}
	r, err := s.loadRoom(ctx, t.RoomID)
	if err != nil {
		return false, err
	}
	return r.TransactionID != nil && *r.TransactionID != t.ID, nil
}

// refundStaleCapture returns a payment collected on a replaced order. The
// transaction goes straight to REFUNDED so the room keeps one active
// transaction.
func (s *Service) refundStaleCapture(ctx context.Context, id uuid.UUID, paymentID string, actor user.Actor) (*transaction.Transaction, error) {
	t, _, err := transaction.Mutate(ctx, s.txs, id, func(t *transaction.Transaction) (bool, error) {
		return true, t.ClaimStaleCapture(paymentID)
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.With().
		Str("transactionId", t.ID.String()).
		Str("roomId", t.RoomID.String()).
		Str("orderId", t.GatewayOrderID).
		Str("paymentId", t.GatewayPaymentID).
		Logger()
	log.Warn().Msg("payment captured on a replaced order, refunding")

	refund, err := s.gateway.Refund(ctx, transaction.RefundRequest{
		TransactionID: t.ID,
		PaymentID:     t.GatewayPaymentID,
		AmountMinor:   t.TotalMinor(),
	})
	if err != nil {
		log.Error().Err(err).Msg("stale capture refund failed")
		s.dropClaim(ctx, t.ID, transaction.SettlementRefunding)
		return nil, gatewayErr(err)
	}

	now := time.Now().UTC()
	t, _, err = transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
		t.CompleteRefund(refund.ID, now)
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("refundId", refund.ID).Msg("stale capture refunded but not recorded")
		return nil, err
	}

	s.logTransaction(ctx, t, audit.ActionRefund, actor, map[string]any{
		"refundId":  refund.ID,
		"paymentId": t.GatewayPaymentID,
		"orderId":   t.GatewayOrderID,
		"reason":    "order superseded",
	})
	s.notifyParticipants(ctx, t.RoomID, notification.KindRefundIssued,
		"Duplicate payment refunded",
		fmt.Sprintf("A payment of %s %s for a replaced order in room %s has been refunded.", t.Total().StringFixed(2), t.Currency, t.RoomID),
		true, false)
	return t, transaction.ErrOrderSuperseded
}
