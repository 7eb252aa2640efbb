package work

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
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

// Service runs the seller update / buyer response loop.
type Service struct {
	rooms    room.Repository
	poster   *realtime.Poster
	audit    AuditLogger
	notifier Notifier
	logger   zerolog.Logger
}

func NewService(rooms room.Repository, poster *realtime.Poster, auditLog AuditLogger, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		rooms:    rooms,
		poster:   poster,
		audit:    auditLog,
		notifier: notifier,
		logger:   logger.With().Str("service", "work").Logger(),
	}
}

// SubmitResult carries the room after the write and the new update.
type SubmitResult struct {
	Room   *room.Room       `json:"room"`
	Update *room.WorkUpdate `json:"update"`
}

// SubmitUpdate appends a seller progress report and puts the room in
// VERIFICATION.
func (s *Service) SubmitUpdate(ctx context.Context, actor user.Actor, roomID uuid.UUID, text string, attachments []string) (*SubmitResult, error) {
	var (
		prev   room.Status
		update room.WorkUpdate
	)
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		u, err := r.SubmitUpdate(actor.UserID, text, attachments)
		if err != nil {
			return err
		}
		update = *u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeWork,
		EntityID:      update.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionWorkUpdate,
		Actor:         actor.ActorString(),
		ActorRole:     string(room.RoleSeller),
		NewValues:     map[string]any{"status": update.Status, "seq": update.Seq},
		Metadata:      map[string]any{"attachments": len(update.Attachments), "phase": r.WorkStatus.CurrentPhase},
	})
	s.post(ctx, r.ID, actor, message.TypeWorkUpdate, update.Message, update.Attachments)
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))

	if r.Buyer != nil {
		s.notifier.Notify(ctx, notification.KindWorkSubmitted, r.ID, r.Buyer.Email,
			"New work update in your escrow room",
			fmt.Sprintf("%s posted a work update for room %s:\n\n%s", nameOf(actor), r.ID, update.Message))
	}
	s.logger.Info().
		Str("roomId", r.ID.String()).
		Str("updateId", update.ID.String()).
		Str("phase", string(r.WorkStatus.CurrentPhase)).
		Msg("work update submitted")
	return &SubmitResult{Room: r, Update: &update}, nil
}

// RespondResult carries the room after the write and the new response.
type RespondResult struct {
	Room     *room.Room          `json:"room"`
	Response *room.BuyerResponse `json:"response"`
}

// Respond records the buyer's reaction to one update.
func (s *Service) Respond(ctx context.Context, actor user.Actor, roomID, updateID uuid.UUID, action room.Action, text string) (*RespondResult, error) {
	var (
		prev     room.Status
		response room.BuyerResponse
		before   room.UpdateStatus
	)
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		if u := r.WorkStatus.FindUpdate(updateID); u != nil {
			before = u.Status
		}
		resp, err := r.Respond(actor.UserID, updateID, action, text)
		if err != nil {
			return err
		}
		response = *resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	after := before
	if u := r.WorkStatus.FindUpdate(updateID); u != nil {
		after = u.Status
	}
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeWork,
		EntityID:      updateID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionBuyerResponse,
		Actor:         actor.ActorString(),
		ActorRole:     string(room.RoleBuyer),
		OldValues:     map[string]any{"status": before},
		NewValues:     map[string]any{"status": after, "action": response.Action},
		Metadata:      map[string]any{"responseId": response.ID, "phase": r.WorkStatus.CurrentPhase},
	})

	content := string(response.Action)
	if response.Message != "" {
		content = content + ": " + response.Message
	}
	s.post(ctx, r.ID, actor, message.TypeBuyerResponse, content, nil)
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))

	if r.Seller != nil && response.Action != room.ActionApprove {
		s.notifier.Notify(ctx, notification.KindWorkReviewed, r.ID, r.Seller.Email,
			"The buyer responded to your work update",
			fmt.Sprintf("%s responded with %s in room %s.", nameOf(actor), strings.ReplaceAll(string(response.Action), "_", " "), r.ID))
	}
	s.logger.Info().
		Str("roomId", r.ID.String()).
		Str("updateId", updateID.String()).
		Str("action", string(response.Action)).
		Str("status", string(r.Status)).
		Msg("buyer responded")
	return &RespondResult{Room: r, Response: &response}, nil
}

// History returns the update and response lists for a member or admin.
func (s *Service) History(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*room.WorkStatus, error) {
	r, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, room.ErrNotFound
	}
	if !actor.IsAdmin() && !r.IsMember(actor.UserID) {
		return nil, room.ErrNotMember
	}
	return &r.WorkStatus, nil
}

// post mirrors a workflow step into the room chat.
func (s *Service) post(ctx context.Context, roomID uuid.UUID, actor user.Actor, typ message.Type, content string, attachments []string) {
	sender := actor.UserID
	m, err := message.New(roomID, &sender, nameOf(actor), content, typ, attachments)
	if err != nil {
		s.logger.Warn().Err(err).Str("roomId", roomID.String()).Msg("failed to build workflow message")
		return
	}
	s.poster.Announce(ctx, m)
}

func nameOf(actor user.Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.UserID.String()
}
