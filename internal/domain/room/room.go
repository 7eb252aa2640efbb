package room

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Status represents the room lifecycle state.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAwaitingPayment  Status = "AWAITING_PAYMENT"
	StatusActive           Status = "ACTIVE"
	StatusAwaitingDelivery Status = "AWAITING_DELIVERY"
	StatusVerification     Status = "VERIFICATION"
	StatusCompleted        Status = "COMPLETED"
	StatusDispute          Status = "DISPUTE"
	StatusResolved         Status = "RESOLVED"
)

// Role is the side a participant holds in a room.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

var (
	ErrNotFound            = apperr.New(apperr.KindNotFound, "ROOM_NOT_FOUND", "room not found")
	ErrRoleConflict        = apperr.New(apperr.KindStateConflict, "ROLE_CONFLICT", "user already holds a role in this room")
	ErrRoomFull            = apperr.New(apperr.KindStateConflict, "ROOM_FULL", "room already has a buyer and a seller")
	ErrRoleTaken           = apperr.New(apperr.KindStateConflict, "ROLE_TAKEN", "requested role is held by another user")
	ErrInvalidTransition   = apperr.New(apperr.KindStateConflict, "INVALID_TRANSITION", "room status transition not allowed")
	ErrNotMember           = apperr.New(apperr.KindAuthorization, "NOT_ROOM_MEMBER", "actor is not the buyer or seller of this room")
	ErrNotBuyer            = apperr.New(apperr.KindAuthorization, "NOT_BUYER", "only the room buyer may perform this action")
	ErrNotSeller           = apperr.New(apperr.KindAuthorization, "NOT_SELLER", "only the room seller may perform this action")
	ErrNotFunded           = apperr.New(apperr.KindStateConflict, "ROOM_NOT_FUNDED", "room payment has not been captured")
	ErrParticipantsMissing = apperr.New(apperr.KindStateConflict, "PARTICIPANTS_MISSING", "room needs both a buyer and a seller")
	ErrTransactionAttached = apperr.New(apperr.KindStateConflict, "TRANSACTION_ATTACHED", "room already references a transaction")
)

// transitions is the whitelist of participant-driven status changes.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingPayment},
	StatusAwaitingPayment:  {StatusActive},
	StatusActive:           {StatusAwaitingDelivery, StatusVerification, StatusCompleted, StatusDispute},
	StatusAwaitingDelivery: {StatusVerification, StatusCompleted, StatusDispute},
	StatusVerification:     {StatusAwaitingDelivery, StatusCompleted, StatusDispute},
	StatusDispute:          {StatusResolved, StatusCompleted},
	StatusResolved:         {StatusCompleted},
	StatusCompleted:        {},
}

// ValidStatus reports whether s names a lifecycle state.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// Participant is a user assigned to one side of the deal.
type Participant struct {
	UserID   uuid.UUID `json:"userId"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// PaymentDetails holds the seller payout destination.
type PaymentDetails struct {
	UPIID         string `json:"upiId,omitempty"`
	AccountHolder string `json:"accountHolder,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	Complete      bool   `json:"isComplete"`
}

// HasBank reports whether a bank transfer can be attempted.
func (d PaymentDetails) HasBank() bool {
	return d.AccountHolder != "" && d.AccountNumber != "" && d.IFSC != ""
}

// HasUPI reports whether a UPI payout can be attempted.
func (d PaymentDetails) HasUPI() bool {
	return d.UPIID != ""
}

// Room is the aggregate for one buyer/seller deal.
type Room struct {
	ID                   uuid.UUID       `json:"id"`
	Buyer                *Participant    `json:"buyer,omitempty"`
	Seller               *Participant    `json:"seller,omitempty"`
	Status               Status          `json:"status"`
	Price                decimal.Decimal `json:"price"`
	Description          string          `json:"description"`
	CompletionDate       *time.Time      `json:"completionDate,omitempty"`
	TransactionID        *uuid.UUID      `json:"transactionId,omitempty"`
	SellerPaymentDetails PaymentDetails  `json:"sellerPaymentDetails"`
	WorkStatus           WorkStatus      `json:"workStatus"`
	CreatedBy            uuid.UUID       `json:"createdBy"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// NewRoom creates a PENDING room with no participants.
func NewRoom(createdBy uuid.UUID, price decimal.Decimal, description string, completionDate *time.Time) (*Room, error) {
	if createdBy == uuid.Nil {
		return nil, apperr.Validation("creator is required")
	}
	if !price.IsPositive() {
		return nil, apperr.Validation("price must be greater than zero")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperr.Validation("description is required")
	}
	now := time.Now().UTC()
	return &Room{
		ID:             uuid.New(),
		Status:         StatusPending,
		Price:          price.Round(2),
		Description:    description,
		CompletionDate: completionDate,
		CreatedBy:      createdBy,
		WorkStatus:     WorkStatus{CurrentPhase: PhaseNotStarted},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// RoleOf returns the role userID holds, if any.
func (r *Room) RoleOf(userID uuid.UUID) (Role, bool) {
	switch {
	case r.Buyer != nil && r.Buyer.UserID == userID:
		return RoleBuyer, true
	case r.Seller != nil && r.Seller.UserID == userID:
		return RoleSeller, true
	}
	return "", false
}

func (r *Room) IsMember(userID uuid.UUID) bool {
	_, ok := r.RoleOf(userID)
	return ok
}

func (r *Room) IsBuyer(userID uuid.UUID) bool {
	return r.Buyer != nil && r.Buyer.UserID == userID
}

func (r *Room) IsSeller(userID uuid.UUID) bool {
	return r.Seller != nil && r.Seller.UserID == userID
}

// ViewFor returns the room as viewerID may see it. Payout details are shown
// only to the seller and admins; everyone else sees the completeness flag.
func (r *Room) ViewFor(viewerID uuid.UUID, admin bool) *Room {
	if admin || r.IsSeller(viewerID) {
		return r
	}
	v := *r
	v.SellerPaymentDetails = PaymentDetails{Complete: r.SellerPaymentDetails.Complete}
	return &v
}

func (r *Room) BothAssigned() bool {
	return r.Buyer != nil && r.Seller != nil
}

// Counterpart returns the other participant of userID.
func (r *Room) Counterpart(userID uuid.UUID) *Participant {
	switch {
	case r.IsBuyer(userID):
		return r.Seller
	case r.IsSeller(userID):
		return r.Buyer
	}
	return nil
}

// Assign places p into the requested role, or the first free role when
// role is empty. Buyer and seller can never be the same user.
func (r *Room) Assign(p Participant, role Role) (Role, error) {
	if p.UserID == uuid.Nil {
		return "", apperr.Validation("participant id is required")
	}
	if r.IsMember(p.UserID) {
		return "", ErrRoleConflict
	}
	if r.BothAssigned() {
		return "", ErrRoomFull
	}
	if role == "" {
		role = RoleBuyer
		if r.Buyer != nil {
			role = RoleSeller
		}
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	switch role {
	case RoleBuyer:
		if r.Buyer != nil {
			return "", ErrRoleTaken
		}
		r.Buyer = &p
	case RoleSeller:
		if r.Seller != nil {
			return "", ErrRoleTaken
		}
		r.Seller = &p
	default:
		return "", apperr.Validation("role must be BUYER or SELLER")
	}
	r.UpdatedAt = time.Now().UTC()
	return role, nil
}

// CanTransitionTo checks the whitelist for target.
func (r *Room) CanTransitionTo(target Status) bool {
	for _, s := range transitions[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Transition applies a whitelisted status change and returns the prior state.
func (r *Room) Transition(target Status) (Status, error) {
	if !r.CanTransitionTo(target) {
		return r.Status, ErrInvalidTransition
	}
	prev := r.Status
	r.Status = target
	r.UpdatedAt = time.Now().UTC()
	return prev, nil
}

// Force sets any known status regardless of the whitelist. Admin only.
func (r *Room) Force(target Status) (Status, error) {
	if !ValidStatus(target) {
		return r.Status, apperr.Validation("unknown room status %q", target)
	}
	prev := r.Status
	r.Status = target
	r.UpdatedAt = time.Now().UTC()
	return prev, nil
}

// Advance moves to target when the whitelist allows it and reports whether
// the status changed. Used for side-effect transitions that may already hold.
func (r *Room) Advance(target Status) bool {
	if r.Status == target || !r.CanTransitionTo(target) {
		return false
	}
	r.Status = target
	r.UpdatedAt = time.Now().UTC()
	return true
}

// IsFunded reports whether the buyer's payment has been captured and the
// deal is still in progress.
func (r *Room) IsFunded() bool {
	switch r.Status {
	case StatusActive, StatusAwaitingDelivery, StatusVerification:
		return true
	}
	return false
}

// AttachTransaction sets the active transaction reference. replacing must be
// the currently referenced id (or nil) so a settled transaction can only be
// superseded explicitly.
func (r *Room) AttachTransaction(id uuid.UUID, replacing *uuid.UUID) error {
	if r.TransactionID != nil {
		if replacing == nil || *replacing != *r.TransactionID {
			return ErrTransactionAttached
		}
	}
	r.TransactionID = &id
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPaymentDetails replaces the seller payout details and recomputes completeness.
func (r *Room) SetPaymentDetails(d PaymentDetails) {
	d.UPIID = strings.TrimSpace(d.UPIID)
	d.AccountHolder = strings.TrimSpace(d.AccountHolder)
	d.AccountNumber = strings.TrimSpace(d.AccountNumber)
	d.IFSC = strings.ToUpper(strings.TrimSpace(d.IFSC))
	d.Complete = d.HasBank() || d.HasUPI()
	r.SellerPaymentDetails = d
	r.UpdatedAt = time.Now().UTC()
}
