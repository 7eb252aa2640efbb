package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

// Server to client event names.
const (
	EventRoomJoined          = "room_joined"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventNewMessage          = "new_message"
	EventMessageStatusUpdate = "message_status_update"
	EventUserTyping          = "user_typing"
	EventRoomStatus          = "room_status"
	EventTransactionUpdate   = "transaction_update"
	EventError               = "error"

	EventIncomingCall  = "incoming_call"
	EventCallAccepted  = "call_accepted"
	EventCallDeclined  = "call_declined"
	EventCallCancelled = "call_cancelled"
	EventCallEnded     = "call_ended"
	EventOffer         = "offer"
	EventAnswer        = "answer"
	EventICECandidate  = "ice_candidate"
)

// Audience selects the connections an event is delivered to. A room
// audience reaches every connection joined to the room, minus the excluded
// connection or user; a user audience reaches every connection of that user.
type Audience struct {
	RoomID      *uuid.UUID `json:"roomId,omitempty"`
	UserID      *uuid.UUID `json:"userId,omitempty"`
	ExcludeConn string     `json:"excludeConn,omitempty"`
	ExcludeUser *uuid.UUID `json:"excludeUser,omitempty"`
}

func ToRoom(roomID uuid.UUID) Audience {
	return Audience{RoomID: &roomID}
}

func ToUser(userID uuid.UUID) Audience {
	return Audience{UserID: &userID}
}

// ExceptConn drops one connection from the audience.
func (a Audience) ExceptConn(connID string) Audience {
	a.ExcludeConn = connID
	return a
}

// ExceptUser drops every connection of userID from the audience.
func (a Audience) ExceptUser(userID uuid.UUID) Audience {
	a.ExcludeUser = &userID
	return a
}

// Event is an outbound notification routed through a broker.
type Event struct {
	Name     string          `json:"event"`
	Audience Audience        `json:"audience"`
	Payload  json.RawMessage `json:"payload"`
}

// Frame is what a socket client receives.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an event.
func NewEvent(name string, aud Audience, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Audience: aud, Payload: data}, nil
}

func mustEvent(name string, aud Audience, payload any) Event {
	ev, err := NewEvent(name, aud, payload)
	if err != nil {
		ev = Event{Name: name, Audience: aud, Payload: json.RawMessage("null")}
	}
	return ev
}

// Frame renders the event for delivery.
func (e Event) Frame() Frame {
	return Frame{Event: e.Name, Data: e.Payload}
}

// Publisher hands events to the broker for fan-out.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink receives events from the broker. Every process runs one.
type Sink interface {
	Deliver(ev Event)
}

// MessageStatus is the payload of message_status_update.
type MessageStatus struct {
	RoomID    uuid.UUID      `json:"roomId"`
	MessageID uuid.UUID      `json:"messageId"`
	Status    message.Status `json:"status"`
	ReadBy    *uuid.UUID     `json:"readBy,omitempty"`
	At        time.Time      `json:"at"`
}

// NewMessageEvent broadcasts a stored message to its room.
func NewMessageEvent(m *message.Message) Event {
	return mustEvent(EventNewMessage, ToRoom(m.RoomID), m)
}

// RoomStatusEvent broadcasts a room lifecycle change.
func RoomStatusEvent(r *room.Room, prev room.Status) Event {
	return mustEvent(EventRoomStatus, ToRoom(r.ID), map[string]any{
		"roomId":         r.ID,
		"status":         r.Status,
		"previousStatus": prev,
		"phase":          r.WorkStatus.CurrentPhase,
		"version":        r.Version,
	})
}

// TransactionEvent broadcasts a payment state change to the room.
func TransactionEvent(t *transaction.Transaction) Event {
	return mustEvent(EventTransactionUpdate, ToRoom(t.RoomID), map[string]any{
		"roomId":          t.RoomID,
		"transactionId":   t.ID,
		"paymentStatus":   t.PaymentStatus,
		"isFundsReleased": t.IsFundsReleased,
		"payoutStatus":    t.PayoutStatus,
	})
}
