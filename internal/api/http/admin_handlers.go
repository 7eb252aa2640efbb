package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appAudit "github.com/escrow-hub/escrow-hub/internal/application/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

type adminDecisionRequest struct {
	Decision   room.Decision `json:"decision"`
	Resolution string        `json:"resolution"`
}

func (s *Server) adminListRooms(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	q := r.URL.Query()
	filter := room.Filter{}
	if v := q.Get("status"); v != "" {
		status := room.Status(v)
		filter.Status = &status
	}
	if v := q.Get("participantId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.fail(w, r, apperr.Validation("invalid participantId"))
			return
		}
		filter.ParticipantID = &id
	}
	if v := q.Get("escalated"); v != "" {
		escalated, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, r, apperr.Validation("escalated must be a boolean"))
			return
		}
		filter.Escalated = escalated
	}
	rooms, err := s.roomSvc.ListRooms(r.Context(), requestActor(r), filter, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

func (s *Server) adminListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	q := r.URL.Query()
	filter := transaction.Filter{}
	if v := q.Get("status"); v != "" {
		status := transaction.Status(v)
		filter.Status = &status
	}
	for key, dst := range map[string]**uuid.UUID{"roomId": &filter.RoomID, "userId": &filter.UserID} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			s.fail(w, r, apperr.Validation("invalid %s", key))
			return
		}
		*dst = &id
	}
	txs, err := s.paymentSvc.ListTransactions(r.Context(), requestActor(r), filter, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) adminForceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.roomSvc.ForceStatus(r.Context(), requestActor(r), id, req.Status, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rm)
}

func (s *Server) adminDecideDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req adminDecisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.disputeSvc.AdminDecide(r.Context(), requestActor(r), id, req.Decision, req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rm)
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := appAudit.QueryParams{
		EntityType: audit.EntityType(strings.ToUpper(q.Get("entityType"))),
		EntityID:   q.Get("entityId"),
		Action:     audit.Action(strings.ToUpper(q.Get("action"))),
		Actor:      q.Get("actor"),
		RiskLevel:  audit.RiskLevel(strings.ToUpper(q.Get("riskLevel"))),
		Cursor:     q.Get("cursor"),
	}
	for key, dst := range map[string]**uuid.UUID{"roomId": &params.RoomID, "transactionId": &params.TransactionID} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			s.fail(w, r, apperr.Validation("invalid %s", key))
			return
		}
		*dst = &id
	}
	for key, dst := range map[string]**time.Time{"startTime": &params.StartTime, "endTime": &params.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(w, r, apperr.Validation("%s must be an RFC 3339 timestamp", key))
			return
		}
		*dst = &t
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			params.Limit = l
		}
	}
	res, err := s.auditSvc.Query(r.Context(), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) roomAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.auditSvc.RoomTrail(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.auditSvc.VerifyIntegrity(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
