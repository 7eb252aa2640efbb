package message

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Type classifies a chat record.
type Type string

const (
	TypeText           Type = "TEXT"
	TypeFile           Type = "FILE"
	TypeSystem         Type = "SYSTEM"
	TypeWorkUpdate     Type = "WORK_UPDATE"
	TypeBuyerResponse  Type = "BUYER_RESPONSE"
	TypeDisputeMessage Type = "DISPUTE_MESSAGE"
	TypeAIResponse     Type = "AI_RESPONSE"
)

// Status is the delivery state. It only moves forward.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

const MaxContentLength = 5000

var ErrNotFound = apperr.New(apperr.KindNotFound, "MESSAGE_NOT_FOUND", "message not found")

var rank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// UserTypes are the types a participant may send over the socket; the rest
// are produced by the server.
func UserType(t Type) bool {
	return t == TypeText || t == TypeFile
}

func validType(t Type) bool {
	switch t {
	case TypeText, TypeFile, TypeSystem, TypeWorkUpdate, TypeBuyerResponse, TypeDisputeMessage, TypeAIResponse:
		return true
	}
	return false
}

// Message is an append-only chat record; only Status and ReadBy change.
type Message struct {
	ID          uuid.UUID               `json:"id"`
	RoomID      uuid.UUID               `json:"roomId"`
	SenderID    *uuid.UUID              `json:"senderId,omitempty"`
	SenderName  string                  `json:"senderName,omitempty"`
	Content     string                  `json:"content"`
	Type        Type                    `json:"messageType"`
	Attachments []string                `json:"attachments,omitempty"`
	Status      Status                  `json:"status"`
	ReadBy      map[uuid.UUID]time.Time `json:"readBy,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	DeliveredAt *time.Time              `json:"deliveredAt,omitempty"`
}

// New builds a SENT message. sender is nil for system and AI records.
func New(roomID uuid.UUID, sender *uuid.UUID, senderName, content string, typ Type, attachments []string) (*Message, error) {
	if roomID == uuid.Nil {
		return nil, apperr.Validation("roomId is required")
	}
	if typ == "" {
		typ = TypeText
	}
	if !validType(typ) {
		return nil, apperr.Validation("unknown message type %q", typ)
	}
	content = strings.TrimSpace(content)
	refs := make([]string, 0, len(attachments))
	for _, a := range attachments {
		if a = strings.TrimSpace(a); a != "" {
			refs = append(refs, a)
		}
	}
	if content == "" && len(refs) == 0 {
		return nil, apperr.Validation("message content is required")
	}
	if len(content) > MaxContentLength {
		return nil, apperr.Validation("message content exceeds %d characters", MaxContentLength)
	}
	return &Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		SenderID:    sender,
		SenderName:  senderName,
		Content:     content,
		Type:        typ,
		Attachments: refs,
		Status:      StatusSent,
		ReadBy:      map[uuid.UUID]time.Time{},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// System builds a server-authored record.
func System(roomID uuid.UUID, typ Type, content string) *Message {
	m, err := New(roomID, nil, "system", content, typ, nil)
	if err != nil {
		m = &Message{ID: uuid.New(), RoomID: roomID, Type: typ, Content: content, Status: StatusSent, ReadBy: map[uuid.UUID]time.Time{}, CreatedAt: time.Now().UTC()}
	}
	return m
}

// IsFrom reports whether userID authored the message.
func (m *Message) IsFrom(userID uuid.UUID) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// Advance moves the status forward and reports whether it changed.
func (m *Message) Advance(target Status) bool {
	if rank[target] <= rank[m.Status] {
		return false
	}
	m.Status = target
	if target == StatusDelivered && m.DeliveredAt == nil {
		now := time.Now().UTC()
		m.DeliveredAt = &now
	}
	return true
}

// MarkReadBy adds userID to the read set. Authors never read their own
// messages and repeated reads keep the first timestamp.
func (m *Message) MarkReadBy(userID uuid.UUID, at time.Time) bool {
	if m.IsFrom(userID) {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = map[uuid.UUID]time.Time{}
	}
	changed := false
	if _, ok := m.ReadBy[userID]; !ok {
		m.ReadBy[userID] = at
		changed = true
	}
	if m.Advance(StatusRead) {
		changed = true
	}
	return changed
}
