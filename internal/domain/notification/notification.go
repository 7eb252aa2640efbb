package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_mailer.go -package=mocks . Mailer

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery status of an email notification
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Kind identifies which escrow event produced the email
type Kind string

const (
	KindParticipantJoined Kind = "PARTICIPANT_JOINED"
	KindPaymentReceived   Kind = "PAYMENT_RECEIVED"
	KindFundsReleased     Kind = "FUNDS_RELEASED"
	KindRefundIssued      Kind = "REFUND_ISSUED"
	KindWorkSubmitted     Kind = "WORK_SUBMITTED"
	KindWorkReviewed      Kind = "WORK_REVIEWED"
	KindDisputeEscalated  Kind = "DISPUTE_ESCALATED"
	KindDisputeResolved   Kind = "DISPUTE_RESOLVED"
)

const DefaultMaxRetries = 3

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRecipient  = errors.New("invalid recipient address")
	ErrCannotRetry       = errors.New("cannot retry notification")
)

// Email is what the mail collaborator sends
type Email struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers outbound email
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Notification is one best-effort email tied to a room
type Notification struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	RoomID     uuid.UUID  `json:"roomId"`
	Email      Email      `json:"-"`
	Status     Status     `json:"status"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
	LastError  *string    `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
}

// NewNotification creates a pending email notification
func NewNotification(kind Kind, roomID uuid.UUID, email Email) (*Notification, error) {
	email.To = strings.TrimSpace(email.To)
	if _, err := mail.ParseAddress(email.To); err != nil {
		return nil, ErrInvalidRecipient
	}
	return &Notification{
		ID:         uuid.New(),
		Kind:       kind,
		RoomID:     roomID,
		Email:      email,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CanTransitionTo checks if a transition to the target status is valid
func (n *Notification) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending: {StatusSent, StatusFailed},
		StatusSent:    {},
		StatusFailed:  {StatusPending}, // Retry
	}

	for _, s := range transitions[n.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// MarkSent marks the notification as sent
func (n *Notification) MarkSent() error {
	if !n.CanTransitionTo(StatusSent) {
		return ErrInvalidTransition
	}
	n.Status = StatusSent
	now := time.Now().UTC()
	n.SentAt = &now
	return nil
}

// MarkFailed records a failed attempt
func (n *Notification) MarkFailed(errMsg string) error {
	if !n.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	n.Status = StatusFailed
	now := time.Now().UTC()
	n.FailedAt = &now
	n.LastError = &errMsg
	n.RetryCount++
	return nil
}

// CanRetry checks if the notification can be retried
func (n *Notification) CanRetry() bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries
}

// ResetForRetry puts a failed notification back to pending
func (n *Notification) ResetForRetry() error {
	if !n.CanRetry() {
		return ErrCannotRetry
	}
	n.Status = StatusPending
	n.FailedAt = nil
	return nil
}

// IsTerminal returns true when no further attempt will be made
func (n *Notification) IsTerminal() bool {
	return n.Status == StatusSent || (n.Status == StatusFailed && !n.CanRetry())
}
