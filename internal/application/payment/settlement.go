package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// Release pays the seller. Only the caller that wins the settlement claim
// reaches the gateway; concurrent callers get ReleaseInProgress.
func (s *Service) Release(ctx context.Context, actor user.Actor, txID uuid.UUID) (*transaction.Transaction, error) {
	t, err := s.txs.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transaction.ErrNotFound
	}
	if t.BuyerID != actor.UserID {
		return nil, room.ErrNotBuyer
	}
	r, err := s.loadRoom(ctx, t.RoomID)
	if err != nil {
		return nil, err
	}
	details := r.SellerPaymentDetails

	t, _, err = transaction.Mutate(ctx, s.txs, txID, func(t *transaction.Transaction) (bool, error) {
		if err := t.ClaimRelease(); err != nil {
			return false, err
		}
		if !details.Complete {
			return false, transaction.ErrSellerDetailsIncomplete
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	payout, method, err := s.payout(ctx, t, details)
	if err != nil {
		s.dropClaim(ctx, t.ID, transaction.SettlementReleasing)
		return nil, err
	}

	now := time.Now().UTC()
	t, _, err = transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
		t.CompleteRelease(payout.ID, method, now)
		return true, nil
	})
	if err != nil {
		// The payout exists at the gateway; the claim stays so nothing pays twice.
		s.logger.Error().Err(err).
			Str("transactionId", txID.String()).
			Str("payoutId", payout.ID).
			Msg("payout created but release could not be recorded")
		return nil, err
	}

	s.advanceRoom(ctx, t.RoomID, room.StatusCompleted, actor, "funds released")
	s.logTransaction(ctx, t, audit.ActionRelease, actor, map[string]any{
		"payoutId":     payout.ID,
		"payoutMethod": method,
		"amount":       t.Amount,
	})
	s.poster.Announce(ctx, message.System(t.RoomID, message.TypeSystem,
		fmt.Sprintf("Funds released to the seller via %s.", method)))
	s.notifyParticipants(ctx, t.RoomID, notification.KindFundsReleased,
		"Escrow funds released",
		fmt.Sprintf("%s %s was released for room %s.", t.Amount.StringFixed(2), t.Currency, t.RoomID),
		true, true)
	s.logger.Info().
		Str("transactionId", t.ID.String()).
		Str("payoutId", payout.ID).
		Str("method", string(method)).
		Msg("funds released")
	return t, nil
}

// payout tries a bank transfer, then UPI. Attempts are sequential.
func (s *Service) payout(ctx context.Context, t *transaction.Transaction, d room.PaymentDetails) (*transaction.Payout, transaction.PayoutMethod, error) {
	attempts := make([]transaction.PayoutMethod, 0, 2)
	if d.HasBank() {
		attempts = append(attempts, transaction.PayoutBank)
	}
	if d.HasUPI() {
		attempts = append(attempts, transaction.PayoutUPI)
	}

	var lastErr error
	for _, method := range attempts {
		req := transaction.PayoutRequest{
			TransactionID: t.ID,
			AmountMinor:   transaction.MinorUnits(t.Amount),
			Currency:      t.Currency,
			Method:        method,
			Reference:     t.ID.String(),
		}
		switch method {
		case transaction.PayoutBank:
			req.Destination = transaction.Destination{AccountHolder: d.AccountHolder, AccountNumber: d.AccountNumber, IFSC: d.IFSC}
		case transaction.PayoutUPI:
			req.Destination = transaction.Destination{AccountHolder: d.AccountHolder, UPIID: d.UPIID}
		}
		p, err := s.gateway.CreatePayout(ctx, req)
		if err == nil {
			return p, method, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).
			Str("transactionId", t.ID.String()).
			Str("method", string(method)).
			Msg("payout attempt failed")
	}
	if lastErr == nil {
		return nil, "", transaction.ErrSellerDetailsIncomplete
	}
	return nil, "", apperr.Wrap(transaction.ErrPayoutFailed, lastErr)
}

// Refund returns amount plus commission to the buyer and puts the room in
// dispute.
func (s *Service) Refund(ctx context.Context, actor user.Actor, txID uuid.UUID) (*transaction.Transaction, error) {
	t, err := s.txs.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transaction.ErrNotFound
	}
	if t.BuyerID != actor.UserID {
		return nil, room.ErrNotBuyer
	}

	t, _, err = transaction.Mutate(ctx, s.txs, txID, func(t *transaction.Transaction) (bool, error) {
		return true, t.ClaimRefund()
	})
	if err != nil {
		return nil, err
	}

	refund, err := s.gateway.Refund(ctx, transaction.RefundRequest{
		TransactionID: t.ID,
		PaymentID:     t.GatewayPaymentID,
		AmountMinor:   t.TotalMinor(),
	})
	if err != nil {
		s.dropClaim(ctx, t.ID, transaction.SettlementRefunding)
		s.logger.Error().Err(err).Str("transactionId", t.ID.String()).Msg("gateway refund failed")
		return nil, gatewayErr(err)
	}

	now := time.Now().UTC()
	t, _, err = transaction.Mutate(ctx, s.txs, t.ID, func(t *transaction.Transaction) (bool, error) {
		t.CompleteRefund(refund.ID, now)
		return true, nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("transactionId", txID.String()).
			Str("refundId", refund.ID).
			Msg("refund created but could not be recorded")
		return nil, err
	}

	s.advanceRoom(ctx, t.RoomID, room.StatusDispute, actor, "payment refunded")
	s.logTransaction(ctx, t, audit.ActionRefund, actor, map[string]any{
		"refundId":    refund.ID,
		"amountMinor": t.TotalMinor(),
	})
	s.poster.Announce(ctx, message.System(t.RoomID, message.TypeSystem, "Payment refunded to the buyer."))
	s.notifyParticipants(ctx, t.RoomID, notification.KindRefundIssued,
		"Escrow payment refunded",
		fmt.Sprintf("%s %s was refunded for room %s.", t.Total().StringFixed(2), t.Currency, t.RoomID),
		true, true)
	return t, nil
}

func (s *Service) dropClaim(ctx context.Context, id uuid.UUID, claim transaction.Settlement) {
	_, _, err := transaction.Mutate(ctx, s.txs, id, func(t *transaction.Transaction) (bool, error) {
		if t.Settlement != claim {
			return false, nil
		}
		t.ClearClaim()
		return true, nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("transactionId", id.String()).Msg("failed to clear settlement claim")
	}
}
