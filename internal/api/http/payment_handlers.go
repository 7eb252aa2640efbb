package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/gateway"
)

type createOrderRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type verifyPaymentRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.paymentSvc.CreateOrder(r.Context(), requestActor(r), id, req.Amount, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		s.fail(w, r, apperr.Validation("orderId, paymentId and signature are required"))
		return
	}
	t, err := s.paymentSvc.VerifyPayment(r.Context(), requestActor(r), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) getRoomTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.paymentSvc.GetRoomTransaction(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, s.paymentSvc.GetTransaction)
}

func (s *Server) releasePayment(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, s.paymentSvc.Release)
}

func (s *Server) refundPayment(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, s.paymentSvc.Refund)
}

type transactionOp func(ctx context.Context, actor user.Actor, id uuid.UUID) (*transaction.Transaction, error)

func (s *Server) withTransaction(w http.ResponseWriter, r *http.Request, op transactionOp) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := op(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// gatewayWebhook is unauthenticated; the body signature is the credential.
func (s *Server) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.fail(w, r, apperr.Validation("unreadable body"))
		return
	}
	ev, err := gateway.VerifyAndParse(body, r.Header.Get(gateway.SignatureHeader), s.webhookSecret)
	if err != nil {
		s.logger.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("webhook rejected")
		s.fail(w, r, err)
		return
	}
	if err := s.paymentSvc.HandleWebhook(r.Context(), ev); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
