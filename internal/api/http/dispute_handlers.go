package httpapi

import (
	"net/http"
)

type disputeMessageRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

type escalateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.disputeSvc.GetDispute(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) postDisputeMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req disputeMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.disputeSvc.PostMessage(r.Context(), requestActor(r), id, req.Message, req.Attachments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) requestAIDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.disputeSvc.RequestAIDecision(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"room":       roomView(r, rm),
		"aiDecision": rm.WorkStatus.Dispute.AIReview,
	})
}

func (s *Server) acceptAIDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.disputeSvc.AcceptAIDecision(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res.Room = roomView(r, res.Room)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) escalateDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req escalateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.disputeSvc.Escalate(r.Context(), requestActor(r), id, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roomView(r, rm))
}
