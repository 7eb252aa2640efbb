package httpapi

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	appRoom "github.com/escrow-hub/escrow-hub/internal/application/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

type createRoomRequest struct {
	Price          decimal.Decimal `json:"price"`
	Description    string          `json:"description"`
	CompletionDate *time.Time      `json:"completionDate,omitempty"`
	Role           room.Role       `json:"role,omitempty"`
}

type joinRoomRequest struct {
	Role room.Role `json:"role,omitempty"`
}

type statusRequest struct {
	Status room.Status `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

type paymentDetailsRequest struct {
	UPIID         string `json:"upiId"`
	AccountHolder string `json:"accountHolder"`
	AccountNumber string `json:"accountNumber"`
	IFSC          string `json:"ifsc"`
}

func requestActor(r *http.Request) user.Actor {
	a, _ := actorFromContext(r.Context())
	return a
}

func roomView(r *http.Request, rm *room.Room) *room.Room {
	a := requestActor(r)
	return rm.ViewFor(a.UserID, a.IsAdmin())
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.roomSvc.CreateRoom(r.Context(), requestActor(r), appRoom.CreateRoomInput{
		Price:          req.Price,
		Description:    req.Description,
		CompletionDate: req.CompletionDate,
		Role:           req.Role,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, roomView(r, rm))
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	filter := room.Filter{}
	if v := r.URL.Query().Get("status"); v != "" {
		status := room.Status(v)
		filter.Status = &status
	}
	rooms, err := s.roomSvc.ListRooms(r.Context(), requestActor(r), filter, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]*room.Room, 0, len(rooms))
	for _, rm := range rooms {
		views = append(views, roomView(r, rm))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rooms": views})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.roomSvc.GetRoom(r.Context(), requestActor(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roomView(r, rm))
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req joinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.roomSvc.Join(r.Context(), requestActor(r), id, req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res.Room = roomView(r, res.Room)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request) {
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
	rm, err := s.roomSvc.ChangeStatus(r.Context(), requestActor(r), id, req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roomView(r, rm))
}

func (s *Server) updatePaymentDetails(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req paymentDetailsRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rm, err := s.roomSvc.UpdatePaymentDetails(r.Context(), requestActor(r), id, appRoom.PaymentDetailsInput{
		UPIID:         req.UPIID,
		AccountHolder: req.AccountHolder,
		AccountNumber: req.AccountNumber,
		IFSC:          req.IFSC,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roomView(r, rm))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "roomId")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.fail(w, r, apperr.Validation("before must be an RFC 3339 timestamp"))
			return
		}
		before = &t
	}
	limit, _ := parseLimitOffset(r, 50, 200)
	msgs, err := s.roomSvc.ListMessages(r.Context(), requestActor(r), id, before, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]interface{}{"messages": msgs}
	if len(msgs) > 0 {
		resp["before"] = msgs[0].CreatedAt.Format(time.RFC3339Nano)
	}
	respondJSON(w, http.StatusOK, resp)
}
