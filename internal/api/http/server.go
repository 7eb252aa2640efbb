package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/escrow-hub/escrow-hub/internal/application/audit"
	appDispute "github.com/escrow-hub/escrow-hub/internal/application/dispute"
	appPayment "github.com/escrow-hub/escrow-hub/internal/application/payment"
	appRoom "github.com/escrow-hub/escrow-hub/internal/application/room"
	appWork "github.com/escrow-hub/escrow-hub/internal/application/work"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	auth          Authenticator
	roomSvc       *appRoom.Service
	paymentSvc    *appPayment.Service
	workSvc       *appWork.Service
	disputeSvc    *appDispute.Service
	auditSvc      *appAudit.Service
	socket        http.Handler
	webhookSecret []byte
	logger        zerolog.Logger
}

func NewServer(
	auth Authenticator,
	roomSvc *appRoom.Service,
	paymentSvc *appPayment.Service,
	workSvc *appWork.Service,
	disputeSvc *appDispute.Service,
	auditSvc *appAudit.Service,
	socket http.Handler,
	webhookSecret []byte,
	logger zerolog.Logger,
) *Server {
	return &Server{
		auth:          auth,
		roomSvc:       roomSvc,
		paymentSvc:    paymentSvc,
		workSvc:       workSvc,
		disputeSvc:    disputeSvc,
		auditSvc:      auditSvc,
		socket:        socket,
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/gateway", s.gatewayWebhook)
	if s.socket != nil {
		// the socket handler authenticates its own handshake
		r.Handle("/ws", s.socket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireAuth)

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", s.createRoom)
			r.Get("/", s.listRooms)
			r.Route("/{roomId}", func(r chi.Router) {
				r.Get("/", s.getRoom)
				r.Post("/join", s.joinRoom)
				r.Post("/status", s.changeStatus)
				r.Put("/payment-details", s.updatePaymentDetails)
				r.Post("/orders", s.createOrder)
				r.Get("/transaction", s.getRoomTransaction)
				r.Get("/messages", s.listMessages)

				r.Get("/updates", s.workHistory)
				r.Post("/updates", s.submitUpdate)
				r.Post("/updates/{updateId}/responses", s.respondToUpdate)

				r.Get("/dispute", s.getDispute)
				r.Post("/dispute/messages", s.postDisputeMessage)
				r.Post("/dispute/ai-decision", s.requestAIDecision)
				r.Post("/dispute/ai-decision/accept", s.acceptAIDecision)
				r.Post("/dispute/escalate", s.escalateDispute)
			})
		})

		r.Post("/payments/verify", s.verifyPayment)

		r.Route("/transactions/{transactionId}", func(r chi.Router) {
			r.Get("/", s.getTransaction)
			r.Post("/release", s.releasePayment)
			r.Post("/refund", s.refundPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/rooms", s.adminListRooms)
			r.Get("/transactions", s.adminListTransactions)
			r.Post("/rooms/{roomId}/status", s.adminForceStatus)
			r.Post("/rooms/{roomId}/dispute/decision", s.adminDecideDispute)
			r.Get("/rooms/{roomId}/audit", s.roomAuditTrail)
			r.Get("/audit", s.queryAudit)
			r.Get("/audit/{auditId}/verify", s.verifyAudit)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail renders a service error. Unclassified errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		s.logger.Error().Err(err).
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if ae.Kind == apperr.KindExternal {
		s.logger.Warn().Err(err).
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("code", ae.Code).
			Msg("collaborator failure")
	}
	respondError(w, statusFor(ae.Kind), ae.Code, ae.Message)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s", key)
	}
	return id, nil
}

// decodeBody reads a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
