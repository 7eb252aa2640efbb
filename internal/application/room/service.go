package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	domainRoom "github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, entry *audit.AuditEntry)
}

// Notifier sends best-effort email.
type Notifier interface {
	Notify(ctx context.Context, kind notification.Kind, roomID uuid.UUID, to, subject, body string)
}

// Service manages the room lifecycle.
type Service struct {
	repo     domainRoom.Repository
	txRepo   transaction.Repository
	messages message.Repository
	poster   *realtime.Poster
	audit    AuditLogger
	notifier Notifier
	logger   zerolog.Logger
}

// NewService creates a room service.
func NewService(
	repo domainRoom.Repository,
	txRepo transaction.Repository,
	messages message.Repository,
	poster *realtime.Poster,
	auditLog AuditLogger,
	notifier Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		txRepo:   txRepo,
		messages: messages,
		poster:   poster,
		audit:    auditLog,
		notifier: notifier,
		logger:   logger.With().Str("service", "room").Logger(),
	}
}

// CreateRoomInput creates a new room.
type CreateRoomInput struct {
	Price          decimal.Decimal
	Description    string
	CompletionDate *time.Time
	// Role optionally assigns the creator.
	Role domainRoom.Role
}

// CreateRoom creates a PENDING room, optionally placing the creator in a role.
func (s *Service) CreateRoom(ctx context.Context, actor user.Actor, in CreateRoomInput) (*domainRoom.Room, error) {
	r, err := domainRoom.NewRoom(actor.UserID, in.Price, in.Description, in.CompletionDate)
	if err != nil {
		return nil, err
	}
	if in.Role != "" {
		if _, err := r.Assign(participantOf(actor), in.Role); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeRoom,
		EntityID:   r.ID.String(),
		RoomID:     &r.ID,
		Action:     audit.ActionCreate,
		Actor:      actor.ActorString(),
		ActorRole:  string(in.Role),
		NewValues:  map[string]any{"price": r.Price, "status": r.Status},
	})
	s.logger.Info().Str("roomId", r.ID.String()).Str("createdBy", actor.UserID.String()).Msg("room created")
	return r, nil
}

// JoinResult reports the role a participant received.
type JoinResult struct {
	Room        *domainRoom.Room         `json:"room"`
	Role        domainRoom.Role          `json:"role"`
	Transaction *transaction.Transaction `json:"transaction,omitempty"`
}

// Join assigns actor to a role. When the second role is filled the
// transaction shell is created and the room moves to AWAITING_PAYMENT.
func (s *Service) Join(ctx context.Context, actor user.Actor, roomID uuid.UUID, role domainRoom.Role) (*JoinResult, error) {
	var (
		assigned domainRoom.Role
		prev     domainRoom.Status
		shell    *transaction.Transaction
	)
	r, err := domainRoom.Mutate(ctx, s.repo, roomID, func(r *domainRoom.Room) error {
		shell = nil
		prev = r.Status
		got, err := r.Assign(participantOf(actor), role)
		if err != nil {
			return err
		}
		assigned = got
		if !r.BothAssigned() || r.Status != domainRoom.StatusPending {
			return nil
		}
		t, err := transaction.New(r.ID, r.Buyer.UserID, r.Seller.UserID, r.Price)
		if err != nil {
			return err
		}
		t.Description = r.Description
		if err := r.AttachTransaction(t.ID, r.TransactionID); err != nil {
			return err
		}
		if _, err := r.Transition(domainRoom.StatusAwaitingPayment); err != nil {
			return err
		}
		shell = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if shell != nil {
		// A failure here is repaired when the buyer creates the order.
		if err := s.txRepo.Create(ctx, shell); err != nil {
			s.logger.Error().Err(err).Str("roomId", r.ID.String()).Msg("failed to create transaction shell")
			shell = nil
		}
	}

	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeRoom,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionJoin,
		Actor:         actor.ActorString(),
		ActorRole:     string(assigned),
	})
	s.poster.Announce(ctx, message.System(r.ID, message.TypeSystem, fmt.Sprintf("%s joined as %s", displayName(actor), assigned)))
	if prev != r.Status {
		s.statusChanged(ctx, r, prev, actor, audit.ActionStatusChange, "both participants assigned")
	}
	if other := r.Counterpart(actor.UserID); other != nil {
		s.notifier.Notify(ctx, notification.KindParticipantJoined, r.ID, other.Email,
			"A participant joined your escrow room",
			fmt.Sprintf("%s joined room %s as %s.", displayName(actor), r.ID, assigned))
	}
	return &JoinResult{Room: r, Role: assigned, Transaction: shell}, nil
}

// ChangeStatus applies a whitelisted transition requested by a participant.
// Entering ACTIVE requires a captured payment.
func (s *Service) ChangeStatus(ctx context.Context, actor user.Actor, roomID uuid.UUID, target domainRoom.Status) (*domainRoom.Room, error) {
	if !domainRoom.ValidStatus(target) {
		return nil, apperr.Validation("unknown room status %q", target)
	}
	var prev domainRoom.Status
	r, err := domainRoom.Mutate(ctx, s.repo, roomID, func(r *domainRoom.Room) error {
		if !r.IsMember(actor.UserID) {
			return domainRoom.ErrNotMember
		}
		if target == domainRoom.StatusActive {
			if err := s.requireCaptured(ctx, r); err != nil {
				return err
			}
		}
		p, err := r.Transition(target)
		prev = p
		return err
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, r, prev, actor, audit.ActionStatusChange, "")
	return r, nil
}

// ForceStatus lets an admin move a room to any status.
func (s *Service) ForceStatus(ctx context.Context, admin user.Actor, roomID uuid.UUID, target domainRoom.Status, reason string) (*domainRoom.Room, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrAccessDenied
	}
	var prev domainRoom.Status
	r, err := domainRoom.Mutate(ctx, s.repo, roomID, func(r *domainRoom.Room) error {
		p, err := r.Force(target)
		prev = p
		return err
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, r, prev, admin, audit.ActionForceTransition, reason)
	s.logger.Warn().
		Str("roomId", r.ID.String()).
		Str("from", string(prev)).
		Str("to", string(r.Status)).
		Str("admin", admin.UserID.String()).
		Msg("room status forced")
	return r, nil
}

// PaymentDetailsInput is the seller's payout destination.
type PaymentDetailsInput struct {
	UPIID         string
	AccountHolder string
	AccountNumber string
	IFSC          string
}

// UpdatePaymentDetails lets the seller set where released funds go.
func (s *Service) UpdatePaymentDetails(ctx context.Context, actor user.Actor, roomID uuid.UUID, in PaymentDetailsInput) (*domainRoom.Room, error) {
	r, err := domainRoom.Mutate(ctx, s.repo, roomID, func(r *domainRoom.Room) error {
		if !r.IsSeller(actor.UserID) {
			return domainRoom.ErrNotSeller
		}
		r.SetPaymentDetails(domainRoom.PaymentDetails{
			UPIID:         in.UPIID,
			AccountHolder: in.AccountHolder,
			AccountNumber: in.AccountNumber,
			IFSC:          in.IFSC,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	d := r.SellerPaymentDetails
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeRoom,
		EntityID:   r.ID.String(),
		RoomID:     &r.ID,
		Action:     audit.ActionPaymentDetailsUpdated,
		Actor:      actor.ActorString(),
		ActorRole:  string(domainRoom.RoleSeller),
		Metadata:   map[string]any{"hasBank": d.HasBank(), "hasUpi": d.HasUPI(), "isComplete": d.Complete},
	})
	return r, nil
}

// GetRoom returns a room visible to the actor.
func (s *Service) GetRoom(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*domainRoom.Room, error) {
	r, err := s.repo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domainRoom.ErrNotFound
	}
	if !canView(actor, r) {
		return nil, apperr.ErrAccessDenied
	}
	return r, nil
}

// ListRooms lists rooms. Non-admins only see rooms they created or joined.
func (s *Service) ListRooms(ctx context.Context, actor user.Actor, filter domainRoom.Filter, limit, offset int) ([]*domainRoom.Room, error) {
	if !actor.IsAdmin() {
		filter.ParticipantID = &actor.UserID
		filter.Escalated = false
	}
	limit, offset = normalizePage(limit, offset)
	return s.repo.List(ctx, filter, limit, offset)
}

// ListMessages exports room history, oldest first, before an optional cursor.
func (s *Service) ListMessages(ctx context.Context, actor user.Actor, roomID uuid.UUID, before *time.Time, limit int) ([]*message.Message, error) {
	if _, err := s.GetRoom(ctx, actor, roomID); err != nil {
		return nil, err
	}
	limit, _ = normalizePage(limit, 0)
	return s.messages.List(ctx, roomID, before, limit)
}

func (s *Service) requireCaptured(ctx context.Context, r *domainRoom.Room) error {
	if r.TransactionID == nil {
		return domainRoom.ErrNotFunded
	}
	t, err := s.txRepo.GetByID(ctx, *r.TransactionID)
	if err != nil {
		return err
	}
	if t == nil || t.PaymentStatus != transaction.StatusSuccess {
		return domainRoom.ErrNotFunded
	}
	return nil
}

func (s *Service) statusChanged(ctx context.Context, r *domainRoom.Room, prev domainRoom.Status, actor user.Actor, action audit.Action, reason string) {
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeRoom,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        action,
		Actor:         actor.ActorString(),
		Metadata:      map[string]any{"from": prev, "to": r.Status},
		Reason:        reason,
	})
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))
}

func canView(actor user.Actor, r *domainRoom.Room) bool {
	return actor.IsAdmin() || r.IsMember(actor.UserID) || r.CreatedBy == actor.UserID
}

func participantOf(actor user.Actor) domainRoom.Participant {
	return domainRoom.Participant{UserID: actor.UserID, Name: actor.Name, Email: actor.Email}
}

func displayName(actor user.Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.UserID.String()
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
