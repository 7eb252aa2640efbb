package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// factsWindow bounds how much chat history is scanned when building facts.
const factsWindow = 500

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, entry *audit.AuditEntry)
}

// Notifier sends best-effort email.
type Notifier interface {
	Notify(ctx context.Context, kind notification.Kind, roomID uuid.UUID, to, subject, body string)
}

// Service runs the dispute negotiation protocol.
type Service struct {
	rooms      room.Repository
	txs        transaction.Repository
	messages   message.Repository
	policy     DecisionPolicy
	poster     *realtime.Poster
	audit      AuditLogger
	notifier   Notifier
	adminEmail string
	logger     zerolog.Logger
}

func NewService(
	rooms room.Repository,
	txs transaction.Repository,
	messages message.Repository,
	policy DecisionPolicy,
	poster *realtime.Poster,
	auditLog AuditLogger,
	notifier Notifier,
	adminEmail string,
	logger zerolog.Logger,
) *Service {
	return &Service{
		rooms:      rooms,
		txs:        txs,
		messages:   messages,
		policy:     policy,
		poster:     poster,
		audit:      auditLog,
		notifier:   notifier,
		adminEmail: adminEmail,
		logger:     logger.With().Str("service", "dispute").Logger(),
	}
}

// PostResult holds the stored statement and the mediator acknowledgment.
type PostResult struct {
	Message *message.Message `json:"message"`
	Reply   *message.Message `json:"reply"`
}

// PostMessage records a party's statement in the dispute thread and answers
// with an acknowledgment. The dispute is opened on first use.
func (s *Service) PostMessage(ctx context.Context, actor user.Actor, roomID uuid.UUID, text string, attachments []string) (*PostResult, error) {
	text = strings.TrimSpace(text)
	sender := actor.UserID
	m, err := message.New(roomID, &sender, nameOf(actor), text, message.TypeDisputeMessage, attachments)
	if err != nil {
		return nil, err
	}

	var role room.Role
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		got, ok := r.RoleOf(actor.UserID)
		if !ok {
			return room.ErrNotMember
		}
		role = got
		r.OpenDispute(actor.UserID, text, m.Attachments, time.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.poster.Post(ctx, m); err != nil {
		return nil, err
	}

	facts, err := s.facts(ctx, r)
	if err != nil {
		s.logger.Warn().Err(err).Str("roomId", r.ID.String()).Msg("failed to gather dispute facts")
	}
	reply := message.System(r.ID, message.TypeAIResponse, s.policy.Acknowledge(ctx, facts, role))
	if err := s.poster.Post(ctx, reply); err != nil {
		s.logger.Warn().Err(err).Str("roomId", r.ID.String()).Msg("failed to post acknowledgment")
		reply = nil
	}
	return &PostResult{Message: m, Reply: reply}, nil
}

// RequestAIDecision asks the policy for a recommendation and stores it,
// replacing any earlier one.
func (s *Service) RequestAIDecision(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*room.Room, error) {
	current, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !current.IsMember(actor.UserID) {
		return nil, room.ErrNotMember
	}
	if d := current.WorkStatus.Dispute; d != nil && d.IsResolved() {
		return nil, room.ErrDisputeResolved
	}

	facts, err := s.facts(ctx, current)
	if err != nil {
		return nil, err
	}
	out, err := s.policy.Decide(ctx, facts)
	if err != nil {
		return nil, apperr.External("DECISION_POLICY_FAILED", fmt.Errorf("decision policy: %w", err))
	}

	var (
		prev     room.Status
		previous *room.Outcome
	)
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		previous = nil
		if d := r.WorkStatus.Dispute; d != nil && d.AIReview != nil {
			o := d.AIReview.Outcome
			previous = &o
		}
		return r.SetAIDecision(actor.UserID, out, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	entry := &audit.AuditEntry{
		EntityType:    audit.EntityTypeDispute,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionAIDecision,
		Actor:         actor.ActorString(),
		NewValues:     map[string]any{"decision": out.Decision, "reasoning": out.Reasoning},
		Metadata:      facts.Params(),
	}
	if previous != nil {
		entry.OldValues = map[string]any{"decision": previous.Decision}
	}
	s.audit.Log(ctx, entry)

	s.poster.Announce(ctx, message.System(r.ID, message.TypeAIResponse, formatOutcome(out)))
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))
	s.logger.Info().
		Str("roomId", r.ID.String()).
		Str("decision", string(out.Decision)).
		Str("requestedBy", actor.UserID.String()).
		Msg("AI decision recorded")
	return r, nil
}

// AcceptResult reports whether this acceptance resolved the dispute.
type AcceptResult struct {
	Room     *room.Room `json:"room"`
	Resolved bool       `json:"resolved"`
}

// AcceptAIDecision records the actor's acceptance. The dispute resolves when
// both parties have accepted the current recommendation.
func (s *Service) AcceptAIDecision(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*AcceptResult, error) {
	var (
		prev     room.Status
		resolved bool
		already  bool
	)
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		resolved, already = false, false
		if d := r.WorkStatus.Dispute; d != nil && d.AIReview != nil && d.AIReview.HasAccepted(actor.UserID) {
			already = true
			return nil
		}
		ok, err := r.AcceptAIDecision(actor.UserID, time.Now().UTC())
		resolved = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if already {
		return &AcceptResult{Room: r}, nil
	}

	review := r.WorkStatus.Dispute.AIReview
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeDispute,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionAIAccepted,
		Actor:         actor.ActorString(),
		Metadata:      map[string]any{"decision": review.Decision, "acceptedBy": len(review.AcceptedBy)},
	})
	if !resolved {
		s.poster.Announce(ctx, message.System(r.ID, message.TypeSystem,
			fmt.Sprintf("%s accepted the recommended decision.", nameOf(actor))))
		return &AcceptResult{Room: r}, nil
	}

	s.resolved(ctx, r, prev, actor, review.Decision, "both parties accepted the recommended decision")
	return &AcceptResult{Room: r, Resolved: true}, nil
}

// Escalate hands the dispute to an administrator.
func (s *Service) Escalate(ctx context.Context, actor user.Actor, roomID uuid.UUID, reason string) (*room.Room, error) {
	var prev room.Status
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		return r.Escalate(actor.UserID, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeDispute,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionEscalate,
		Actor:         actor.ActorString(),
		NewValues:     map[string]any{"adminStatus": r.WorkStatus.Dispute.AdminReview.Status},
		Reason:        reason,
	})
	s.poster.Announce(ctx, message.System(r.ID, message.TypeSystem,
		fmt.Sprintf("%s escalated the dispute to an administrator.", nameOf(actor))))
	if prev != r.Status {
		s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))
	}
	if s.adminEmail != "" {
		s.notifier.Notify(ctx, notification.KindDisputeEscalated, r.ID, s.adminEmail,
			"Escrow dispute escalated",
			fmt.Sprintf("Room %s needs review. Reason: %s", r.ID, r.WorkStatus.Dispute.Reason))
	} else {
		s.logger.Warn().Str("roomId", r.ID.String()).Msg("no admin address configured for escalations")
	}
	s.logger.Warn().Str("roomId", r.ID.String()).Str("by", actor.UserID.String()).Msg("dispute escalated")
	return r, nil
}

// AdminDecide records an administrator's binding decision.
func (s *Service) AdminDecide(ctx context.Context, admin user.Actor, roomID uuid.UUID, decision room.Decision, resolution string) (*room.Room, error) {
	if !admin.IsAdmin() {
		return nil, apperr.ErrAccessDenied
	}
	var prev room.Status
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		return r.AdminDecide(admin.UserID, decision, resolution, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeDispute,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionAdminDecision,
		Actor:         admin.ActorString(),
		ActorRole:     string(user.RoleAdmin),
		NewValues:     map[string]any{"decision": decision, "resolution": r.WorkStatus.Dispute.AdminReview.Resolution},
	})
	s.resolved(ctx, r, prev, admin, decision, "administrator decision")
	return r, nil
}

// GetDispute returns the dispute details for a member or admin.
func (s *Service) GetDispute(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*room.DisputeDetails, error) {
	r, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !r.IsMember(actor.UserID) {
		return nil, room.ErrNotMember
	}
	return r.Dispute()
}

func (s *Service) resolved(ctx context.Context, r *room.Room, prev room.Status, actor user.Actor, decision room.Decision, reason string) {
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeDispute,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionResolve,
		Actor:         actor.ActorString(),
		OldValues:     map[string]any{"status": prev},
		NewValues:     map[string]any{"status": r.Status, "decision": decision},
		Reason:        reason,
	})
	s.poster.Announce(ctx, message.System(r.ID, message.TypeSystem,
		fmt.Sprintf("Dispute resolved: %s.", strings.ReplaceAll(string(decision), "_", " "))))
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))

	body := fmt.Sprintf("The dispute in room %s was resolved with decision %s.", r.ID, decision)
	for _, p := range []*room.Participant{r.Buyer, r.Seller} {
		if p != nil {
			s.notifier.Notify(ctx, notification.KindDisputeResolved, r.ID, p.Email, "Escrow dispute resolved", body)
		}
	}
	s.logger.Info().
		Str("roomId", r.ID.String()).
		Str("decision", string(decision)).
		Str("status", string(r.Status)).
		Msg("dispute resolved")
}

// facts summarises the room record for a policy.
func (s *Service) facts(ctx context.Context, r *room.Room) (DisputeFacts, error) {
	f := DisputeFacts{RoomID: r.ID, Price: r.Price}
	w := r.WorkStatus
	for _, u := range w.SellerUpdates {
		switch u.Status {
		case room.UpdateApproved:
			f.ApprovedUpdates++
		case room.UpdateRejected:
			f.RejectedUpdates++
		case room.UpdateDisputed:
			f.DisputedUpdates++
		default:
			f.PendingUpdates++
		}
	}
	for _, resp := range w.BuyerResponses {
		if resp.Action == room.ActionRequestChanges {
			f.ChangeRequests++
		}
	}
	if d := w.Dispute; d != nil {
		f.Reason = d.Reason
		f.EvidenceCount = len(d.Evidence)
		f.Escalated = d.AdminReview.Status != room.AdminNone
	}

	if r.TransactionID != nil {
		t, err := s.txs.GetByID(ctx, *r.TransactionID)
		if err != nil {
			return f, err
		}
		if t != nil {
			f.FundsReleased = t.IsFundsReleased
		}
	}

	msgs, err := s.messages.List(ctx, r.ID, nil, factsWindow)
	if err != nil {
		return f, err
	}
	for _, m := range msgs {
		if m.Type != message.TypeDisputeMessage || m.SenderID == nil {
			continue
		}
		switch {
		case r.IsBuyer(*m.SenderID):
			f.BuyerMessages++
		case r.IsSeller(*m.SenderID):
			f.SellerMessages++
		}
	}
	return f, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*room.Room, error) {
	r, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, room.ErrNotFound
	}
	return r, nil
}

func formatOutcome(out room.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recommended decision: %s\n%s", out.Decision, out.Reasoning)
	for i, step := range out.NextSteps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	return b.String()
}

func nameOf(actor user.Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	return actor.UserID.String()
}
