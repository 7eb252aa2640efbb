package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

// Simulator is an in-process gateway for local development. Every call
// succeeds and returns a generated id.
type Simulator struct {
	mu      sync.Mutex
	orders  map[string]transaction.OrderRequest
	payouts map[string]transaction.PayoutRequest
	logger  zerolog.Logger
}

func NewSimulator(logger zerolog.Logger) *Simulator {
	return &Simulator{
		orders:  map[string]transaction.OrderRequest{},
		payouts: map[string]transaction.PayoutRequest{},
		logger:  logger.With().Str("component", "gateway_simulator").Logger(),
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

func (s *Simulator) CreateOrder(ctx context.Context, req transaction.OrderRequest) (*transaction.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := newID("order")
	s.mu.Lock()
	s.orders[id] = req
	s.mu.Unlock()
	s.logger.Info().Str("orderId", id).Int64("amount", req.AmountMinor).Msg("simulated order")
	return &transaction.Order{ID: id, AmountMinor: req.AmountMinor, Currency: req.Currency, Status: "created"}, nil
}

func (s *Simulator) CreatePayout(ctx context.Context, req transaction.PayoutRequest) (*transaction.Payout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := newID("pout")
	s.mu.Lock()
	s.payouts[id] = req
	s.mu.Unlock()
	s.logger.Info().Str("payoutId", id).Str("method", string(req.Method)).Int64("amount", req.AmountMinor).Msg("simulated payout")
	return &transaction.Payout{ID: id, Status: "processing"}, nil
}

func (s *Simulator) Refund(ctx context.Context, req transaction.RefundRequest) (*transaction.Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := newID("rfnd")
	s.logger.Info().Str("refundId", id).Str("paymentId", req.PaymentID).Int64("amount", req.AmountMinor).Msg("simulated refund")
	return &transaction.Refund{ID: id, Status: "processed"}, nil
}

// Order returns a simulated order request, for tests and local tooling.
func (s *Simulator) Order(id string) (transaction.OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.orders[id]
	return req, ok
}
