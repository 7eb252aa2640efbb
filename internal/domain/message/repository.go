package message

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores messages. Status and read-set mutations are atomic per
// message and return the stored record plus whether anything changed.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// List returns up to limit messages of the room created before before
	// (or the newest when before is nil), oldest first.
	List(ctx context.Context, roomID uuid.UUID, before *time.Time, limit int) ([]*Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (*Message, bool, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (*Message, bool, error)
	// MarkRoomRead marks every message not authored by userID as read and
	// returns the messages that changed.
	MarkRoomRead(ctx context.Context, roomID, userID uuid.UUID, at time.Time) ([]*Message, error)
}
