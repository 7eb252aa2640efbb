package room

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// UpdateStatus is the state of one seller work update.
type UpdateStatus string

const (
	UpdatePending  UpdateStatus = "PENDING"
	UpdateApproved UpdateStatus = "APPROVED"
	UpdateRejected UpdateStatus = "REJECTED"
	UpdateDisputed UpdateStatus = "DISPUTED"
)

// Action is a buyer reaction to a work update.
type Action string

const (
	ActionApprove        Action = "APPROVE"
	ActionReject         Action = "REJECT"
	ActionRequestChanges Action = "REQUEST_CHANGES"
	ActionDispute        Action = "DISPUTE"
)

// Phase is the room-level projection of the work workflow.
type Phase string

const (
	PhaseNotStarted  Phase = "NOT_STARTED"
	PhaseInProgress  Phase = "IN_PROGRESS"
	PhaseUnderReview Phase = "UNDER_REVIEW"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseRejected    Phase = "REJECTED"
	PhaseDisputed    Phase = "DISPUTED"
	PhaseResolved    Phase = "RESOLVED"
)

var (
	ErrUpdateNotFound   = apperr.New(apperr.KindNotFound, "UPDATE_NOT_FOUND", "work update not found")
	ErrUpdateNotPending = apperr.New(apperr.KindStateConflict, "UPDATE_NOT_PENDING", "work update is not pending")
)

// WorkUpdate is a seller-authored progress report.
type WorkUpdate struct {
	ID          uuid.UUID    `json:"id"`
	Message     string       `json:"message"`
	Attachments []string     `json:"attachments,omitempty"`
	Status      UpdateStatus `json:"status"`
	Seq         int          `json:"seq"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// BuyerResponse is a buyer reaction referencing one work update.
type BuyerResponse struct {
	ID        uuid.UUID `json:"id"`
	UpdateID  uuid.UUID `json:"updateId"`
	Action    Action    `json:"action"`
	Message   string    `json:"message,omitempty"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkStatus is owned by the room; updates and responses are ordered by Seq.
type WorkStatus struct {
	CurrentPhase   Phase           `json:"currentPhase"`
	SellerUpdates  []WorkUpdate    `json:"sellerUpdates"`
	BuyerResponses []BuyerResponse `json:"buyerResponses"`
	Dispute        *DisputeDetails `json:"disputeDetails,omitempty"`
	LastSeq        int             `json:"lastSeq"`
}

func ValidAction(a Action) bool {
	switch a {
	case ActionApprove, ActionReject, ActionRequestChanges, ActionDispute:
		return true
	}
	return false
}

// statusFor maps a closing action onto the update status it produces.
func statusFor(a Action) UpdateStatus {
	switch a {
	case ActionApprove:
		return UpdateApproved
	case ActionReject:
		return UpdateRejected
	case ActionDispute:
		return UpdateDisputed
	}
	return UpdatePending
}

// FindUpdate returns a pointer into the update slice.
func (w *WorkStatus) FindUpdate(id uuid.UUID) *WorkUpdate {
	for i := range w.SellerUpdates {
		if w.SellerUpdates[i].ID == id {
			return &w.SellerUpdates[i]
		}
	}
	return nil
}

// LatestResponse returns the most recent response for updateID.
func (w *WorkStatus) LatestResponse(updateID uuid.UUID) *BuyerResponse {
	var latest *BuyerResponse
	for i := range w.BuyerResponses {
		r := &w.BuyerResponses[i]
		if r.UpdateID == updateID && (latest == nil || r.Seq > latest.Seq) {
			latest = r
		}
	}
	return latest
}

// HasPending reports whether any update awaits a closing buyer action.
func (w *WorkStatus) HasPending() bool {
	for _, u := range w.SellerUpdates {
		if u.Status == UpdatePending {
			return true
		}
	}
	return false
}

// SubmitUpdate appends a seller update. The room must be funded.
func (r *Room) SubmitUpdate(sellerID uuid.UUID, message string, attachments []string) (*WorkUpdate, error) {
	if !r.IsSeller(sellerID) {
		return nil, ErrNotSeller
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperr.Validation("message is required")
	}
	if !r.IsFunded() {
		return nil, ErrNotFunded
	}
	now := time.Now().UTC()
	w := &r.WorkStatus
	w.LastSeq++
	w.SellerUpdates = append(w.SellerUpdates, WorkUpdate{
		ID:          uuid.New(),
		Message:     message,
		Attachments: cleanRefs(attachments),
		Status:      UpdatePending,
		Seq:         w.LastSeq,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	r.Advance(StatusVerification)
	r.RecomputePhase()
	r.UpdatedAt = now
	return &w.SellerUpdates[len(w.SellerUpdates)-1], nil
}

// Respond records a buyer response. APPROVE, REJECT and DISPUTE need the
// update to be PENDING and close it; REQUEST_CHANGES is always accepted and
// never changes the update status. An update's status therefore follows its
// latest non-REQUEST_CHANGES response, and a REQUEST_CHANGES sent after an
// update was closed leaves the closed status in place.
func (r *Room) Respond(buyerID, updateID uuid.UUID, action Action, message string) (*BuyerResponse, error) {
	if !r.IsBuyer(buyerID) {
		return nil, ErrNotBuyer
	}
	if !ValidAction(action) {
		return nil, apperr.Validation("action must be APPROVE, REJECT, REQUEST_CHANGES or DISPUTE")
	}
	w := &r.WorkStatus
	update := w.FindUpdate(updateID)
	if update == nil {
		return nil, ErrUpdateNotFound
	}
	if action != ActionRequestChanges && update.Status != UpdatePending {
		return nil, ErrUpdateNotPending
	}

	now := time.Now().UTC()
	message = strings.TrimSpace(message)
	w.LastSeq++
	w.BuyerResponses = append(w.BuyerResponses, BuyerResponse{
		ID:        uuid.New(),
		UpdateID:  updateID,
		Action:    action,
		Message:   message,
		Seq:       w.LastSeq,
		CreatedAt: now,
	})
	if action != ActionRequestChanges {
		update.Status = statusFor(action)
		update.UpdatedAt = now
	}

	switch action {
	case ActionReject, ActionRequestChanges:
		r.Advance(StatusAwaitingDelivery)
	case ActionDispute:
		reason := message
		if reason == "" {
			reason = "buyer disputed work update " + updateID.String()
		}
		r.OpenDispute(buyerID, reason, nil, now)
		r.Advance(StatusDispute)
	}
	r.RecomputePhase()
	r.UpdatedAt = now
	return &w.BuyerResponses[len(w.BuyerResponses)-1], nil
}

// RecomputePhase derives CurrentPhase from updates, responses and dispute state.
func (r *Room) RecomputePhase() {
	w := &r.WorkStatus
	if d := w.Dispute; d != nil {
		if d.IsResolved() {
			w.CurrentPhase = PhaseResolved
			return
		}
		if d.AIReview != nil {
			w.CurrentPhase = PhaseDisputed
			return
		}
	}
	if len(w.SellerUpdates) == 0 {
		w.CurrentPhase = PhaseNotStarted
		return
	}

	lastUpdate := w.SellerUpdates[len(w.SellerUpdates)-1]
	var lastResp *BuyerResponse
	if n := len(w.BuyerResponses); n > 0 {
		lastResp = &w.BuyerResponses[n-1]
	}
	if lastResp == nil || lastUpdate.Seq > lastResp.Seq {
		w.CurrentPhase = PhaseUnderReview
		return
	}
	switch lastResp.Action {
	case ActionApprove:
		if w.HasPending() {
			w.CurrentPhase = PhaseUnderReview
		} else {
			w.CurrentPhase = PhaseCompleted
		}
	case ActionReject:
		w.CurrentPhase = PhaseRejected
	case ActionDispute:
		w.CurrentPhase = PhaseDisputed
	default:
		w.CurrentPhase = PhaseInProgress
	}
}

func cleanRefs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
