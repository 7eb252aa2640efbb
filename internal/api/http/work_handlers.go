package httpapi

import (
	"net/http"

	"github.com/escrow-hub/escrow-hub/internal/domain/room"
)

type submitUpdateRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

type respondRequest struct {
	Action  room.Action `json:"action"`
	Message string      `json:"message,omitempty"`
}

func (s *Server) submitUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req submitUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.workSvc.SubmitUpdate(r.Context(), requestActor(r), id, req.Message, req.Attachments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res.Room = roomView(r, res.Room)
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) respondToUpdate(w http.ResponseWriter, r *http.Request) {
	roomID, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	updateID, err := parseUUIDParam(r, "updateId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req respondRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.workSvc.Respond(r.Context(), requestActor(r), roomID, updateID, req.Action, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res.Room = roomView(r, res.Room)
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) workHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.workSvc.History(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}
