package room

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Decision is the outcome of an AI or admin review.
type Decision string

const (
	DecisionBuyerWins  Decision = "BUYER_WINS"
	DecisionSellerWins Decision = "SELLER_WINS"
	DecisionCompromise Decision = "COMPROMISE"
)

// AdminStatus tracks the human arbitration queue.
type AdminStatus string

const (
	AdminNone       AdminStatus = "NONE"
	AdminInProgress AdminStatus = "IN_PROGRESS"
	AdminResolved   AdminStatus = "RESOLVED"
)

var (
	ErrDisputeNotOpen  = apperr.New(apperr.KindStateConflict, "DISPUTE_NOT_OPEN", "room has no open dispute")
	ErrDisputeResolved = apperr.New(apperr.KindStateConflict, "DISPUTE_RESOLVED", "dispute is already resolved")
	ErrNoAIDecision    = apperr.New(apperr.KindStateConflict, "NO_AI_DECISION", "no AI decision has been requested")
)

func ValidDecision(d Decision) bool {
	switch d {
	case DecisionBuyerWins, DecisionSellerWins, DecisionCompromise:
		return true
	}
	return false
}

// Outcome is what a decision policy produces.
type Outcome struct {
	Decision  Decision `json:"decision"`
	Reasoning string   `json:"reasoning"`
	NextSteps []string `json:"nextSteps"`
}

// AIReview is the binding recommendation plus the parties that accepted it.
type AIReview struct {
	Outcome
	RequestedBy uuid.UUID   `json:"requestedBy"`
	AcceptedBy  []uuid.UUID `json:"acceptedBy"`
	DecidedAt   time.Time   `json:"decidedAt"`
}

// HasAccepted reports whether userID is in the acceptance set.
func (a *AIReview) HasAccepted(userID uuid.UUID) bool {
	for _, id := range a.AcceptedBy {
		if id == userID {
			return true
		}
	}
	return false
}

type AdminReview struct {
	Status      AdminStatus `json:"status"`
	Decision    Decision    `json:"decision,omitempty"`
	Resolution  string      `json:"resolution,omitempty"`
	ReviewedBy  *uuid.UUID  `json:"reviewedBy,omitempty"`
	EscalatedAt *time.Time  `json:"escalatedAt,omitempty"`
	ReviewedAt  *time.Time  `json:"reviewedAt,omitempty"`
}

// DisputeDetails is created lazily on the first dispute action.
type DisputeDetails struct {
	Reason      string      `json:"reason"`
	Evidence    []string    `json:"evidence,omitempty"`
	RaisedBy    uuid.UUID   `json:"raisedBy"`
	OpenedAt    time.Time   `json:"openedAt"`
	AIReview    *AIReview   `json:"aiReview,omitempty"`
	AdminReview AdminReview `json:"adminReview"`
	ResolvedAt  *time.Time  `json:"resolvedAt,omitempty"`
}

func (d *DisputeDetails) IsResolved() bool {
	return d.ResolvedAt != nil
}

// OpenDispute returns the dispute details, creating them on first use.
// Evidence refs are merged into an existing dispute.
func (r *Room) OpenDispute(by uuid.UUID, reason string, evidence []string, now time.Time) *DisputeDetails {
	w := &r.WorkStatus
	if w.Dispute == nil {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "dispute raised"
		}
		w.Dispute = &DisputeDetails{
			Reason:      reason,
			RaisedBy:    by,
			OpenedAt:    now,
			AdminReview: AdminReview{Status: AdminNone},
		}
	}
	if len(evidence) > 0 {
		w.Dispute.Evidence = cleanRefs(append(w.Dispute.Evidence, evidence...))
	}
	return w.Dispute
}

// Dispute returns the dispute details or ErrDisputeNotOpen.
func (r *Room) Dispute() (*DisputeDetails, error) {
	if r.WorkStatus.Dispute == nil {
		return nil, ErrDisputeNotOpen
	}
	return r.WorkStatus.Dispute, nil
}

// SetAIDecision overwrites any prior AI review. Acceptances are reset since
// they applied to the previous recommendation.
func (r *Room) SetAIDecision(by uuid.UUID, out Outcome, now time.Time) error {
	if !r.IsMember(by) {
		return ErrNotMember
	}
	if !ValidDecision(out.Decision) {
		return apperr.Validation("unknown decision %q", out.Decision)
	}
	d := r.OpenDispute(by, "", nil, now)
	if d.IsResolved() {
		return ErrDisputeResolved
	}
	d.AIReview = &AIReview{
		Outcome:     out,
		RequestedBy: by,
		AcceptedBy:  []uuid.UUID{},
		DecidedAt:   now,
	}
	if r.IsFunded() {
		r.Advance(StatusDispute)
	}
	r.RecomputePhase()
	r.UpdatedAt = now
	return nil
}

// AcceptAIDecision adds userID to the acceptance set. resolved is true only
// for the call that completes the {buyer, seller} pair.
func (r *Room) AcceptAIDecision(userID uuid.UUID, now time.Time) (resolved bool, err error) {
	if !r.IsMember(userID) {
		return false, ErrNotMember
	}
	d, err := r.Dispute()
	if err != nil {
		return false, err
	}
	if d.AIReview == nil {
		return false, ErrNoAIDecision
	}
	review := d.AIReview
	if review.HasAccepted(userID) {
		return false, nil
	}
	if d.IsResolved() {
		return false, ErrDisputeResolved
	}
	review.AcceptedBy = append(review.AcceptedBy, userID)
	if !r.BothAssigned() || !review.HasAccepted(r.Buyer.UserID) || !review.HasAccepted(r.Seller.UserID) {
		r.UpdatedAt = now
		return false, nil
	}
	r.resolveDispute(now)
	return true, nil
}

// Escalate hands the dispute to human arbitration.
func (r *Room) Escalate(by uuid.UUID, reason string, now time.Time) error {
	if !r.IsMember(by) {
		return ErrNotMember
	}
	d := r.OpenDispute(by, reason, nil, now)
	if d.IsResolved() {
		return ErrDisputeResolved
	}
	d.AdminReview.Status = AdminInProgress
	if d.AdminReview.EscalatedAt == nil {
		d.AdminReview.EscalatedAt = &now
	}
	if r.IsFunded() {
		r.Advance(StatusDispute)
	}
	r.UpdatedAt = now
	return nil
}

// AdminDecide records a terminal admin decision and resolves the dispute.
func (r *Room) AdminDecide(adminID uuid.UUID, decision Decision, resolution string, now time.Time) error {
	if !ValidDecision(decision) {
		return apperr.Validation("unknown decision %q", decision)
	}
	d, err := r.Dispute()
	if err != nil {
		return err
	}
	if d.IsResolved() {
		return ErrDisputeResolved
	}
	d.AdminReview.Decision = decision
	d.AdminReview.Resolution = strings.TrimSpace(resolution)
	d.AdminReview.ReviewedBy = &adminID
	d.AdminReview.ReviewedAt = &now
	r.resolveDispute(now)
	return nil
}

func (r *Room) resolveDispute(now time.Time) {
	d := r.WorkStatus.Dispute
	d.ResolvedAt = &now
	d.AdminReview.Status = AdminResolved
	if r.IsFunded() {
		r.Advance(StatusDispute)
	}
	r.Advance(StatusResolved)
	r.RecomputePhase()
	r.UpdatedAt = now
}
