package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
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

// Config carries the gateway credentials the service needs.
type Config struct {
	// KeyID is handed to the checkout client.
	KeyID string
	// KeySecret signs checkout callbacks.
	KeySecret []byte
}

// Service drives orders, captures, releases and refunds.
type Service struct {
	rooms    room.Repository
	txs      transaction.Repository
	gateway  transaction.Gateway
	cfg      Config
	poster   *realtime.Poster
	audit    AuditLogger
	notifier Notifier
	retry    func() backoff.BackOff
	logger   zerolog.Logger
}

// NewService creates a payment service.
func NewService(
	rooms room.Repository,
	txs transaction.Repository,
	gateway transaction.Gateway,
	cfg Config,
	poster *realtime.Poster,
	auditLog AuditLogger,
	notifier Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		rooms:    rooms,
		txs:      txs,
		gateway:  gateway,
		cfg:      cfg,
		poster:   poster,
		audit:    auditLog,
		notifier: notifier,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, 5)
		},
		logger: logger.With().Str("service", "payment").Logger(),
	}
}

// GetTransaction returns a transaction visible to the actor.
func (s *Service) GetTransaction(ctx context.Context, actor user.Actor, id uuid.UUID) (*transaction.Transaction, error) {
	t, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transaction.ErrNotFound
	}
	if !actor.IsAdmin() && t.BuyerID != actor.UserID && t.SellerID != actor.UserID {
		return nil, apperr.ErrAccessDenied
	}
	return t, nil
}

// GetRoomTransaction returns the transaction the room currently references.
func (s *Service) GetRoomTransaction(ctx context.Context, actor user.Actor, roomID uuid.UUID) (*transaction.Transaction, error) {
	r, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !r.IsMember(actor.UserID) {
		return nil, apperr.ErrAccessDenied
	}
	if r.TransactionID == nil {
		return nil, transaction.ErrNotFound
	}
	t, err := s.txs.GetByID(ctx, *r.TransactionID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transaction.ErrNotFound
	}
	return t, nil
}

// ListTransactions lists transactions for the admin console.
func (s *Service) ListTransactions(ctx context.Context, actor user.Actor, filter transaction.Filter, limit, offset int) ([]*transaction.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, apperr.ErrAccessDenied
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.txs.List(ctx, filter, limit, offset)
}

func (s *Service) loadRoom(ctx context.Context, id uuid.UUID) (*room.Room, error) {
	r, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, room.ErrNotFound
	}
	return r, nil
}

var errNoTransition = errors.New("no transition")

// advanceRoom moves the room to target when the whitelist allows it from the
// stored state. It is a no-op otherwise, so replays are harmless.
func (s *Service) advanceRoom(ctx context.Context, roomID uuid.UUID, target room.Status, actor user.Actor, reason string) {
	var prev room.Status
	r, err := room.Mutate(ctx, s.rooms, roomID, func(r *room.Room) error {
		prev = r.Status
		if !r.Advance(target) {
			return errNoTransition
		}
		return nil
	})
	if errors.Is(err, errNoTransition) {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("roomId", roomID.String()).
			Str("target", string(target)).
			Msg("failed to advance room status")
		return
	}
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeRoom,
		EntityID:      r.ID.String(),
		RoomID:        &r.ID,
		TransactionID: r.TransactionID,
		Action:        audit.ActionStatusChange,
		Actor:         actor.ActorString(),
		Metadata:      map[string]any{"from": prev, "to": r.Status},
		Reason:        reason,
	})
	s.poster.Publish(ctx, realtime.RoomStatusEvent(r, prev))
}

func (s *Service) logTransaction(ctx context.Context, t *transaction.Transaction, action audit.Action, actor user.Actor, meta map[string]any) {
	s.audit.Log(ctx, &audit.AuditEntry{
		EntityType:    audit.EntityTypeTransaction,
		EntityID:      t.ID.String(),
		RoomID:        &t.RoomID,
		TransactionID: &t.ID,
		Action:        action,
		Actor:         actor.ActorString(),
		Metadata:      meta,
	})
	s.poster.Publish(ctx, realtime.TransactionEvent(t))
}

// notifyParticipants emails the room members that have an address.
func (s *Service) notifyParticipants(ctx context.Context, roomID uuid.UUID, kind notification.Kind, subject, body string, toBuyer, toSeller bool) {
	r, err := s.rooms.GetByID(ctx, roomID)
	if err != nil || r == nil {
		s.logger.Warn().Err(err).Str("roomId", roomID.String()).Msg("room lookup for email failed")
		return
	}
	if toBuyer && r.Buyer != nil {
		s.notifier.Notify(ctx, kind, roomID, r.Buyer.Email, subject, body)
	}
	if toSeller && r.Seller != nil {
		s.notifier.Notify(ctx, kind, roomID, r.Seller.Email, subject, body)
	}
}

func gatewayErr(err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Wrap(transaction.ErrGateway, fmt.Errorf("gateway: %w", err))
}
