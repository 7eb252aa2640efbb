package transaction

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"

	"github.com/google/uuid"
)

// OrderRequest asks the gateway to open a checkout order.
type OrderRequest struct {
	TransactionID uuid.UUID
	AmountMinor   int64
	Currency      string
	Receipt       string
	Notes         map[string]string
}

type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// Destination is where a payout is sent.
type Destination struct {
	AccountHolder string
	AccountNumber string
	IFSC          string
	UPIID         string
}

// PayoutRequest moves released funds to the seller.
type PayoutRequest struct {
	TransactionID uuid.UUID
	AmountMinor   int64
	Currency      string
	Method        PayoutMethod
	Destination   Destination
	Reference     string
}

type Payout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type RefundRequest struct {
	TransactionID uuid.UUID
	PaymentID     string
	AmountMinor   int64
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Gateway is the custodial payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// EventType names a gateway webhook event.
type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPaymentFailed   EventType = "payment.failed"
	EventPayoutProcessed EventType = "payout.processed"
	EventPayoutFailed    EventType = "payout.failed"
	EventPayoutReversed  EventType = "payout.reversed"
)

// WebhookEvent is the gateway-neutral view of a webhook delivery.
type WebhookEvent struct {
	Type      EventType
	PaymentID string
	OrderID   string
	PayoutID  string
	Reason    string
}

// PayoutStatusFor maps payout events onto the payout status they produce.
func PayoutStatusFor(t EventType) (PayoutStatus, bool) {
	switch t {
	case EventPayoutProcessed:
		return PayoutSuccess, true
	case EventPayoutFailed, EventPayoutReversed:
		return PayoutFailed, true
	}
	return PayoutNone, false
}
