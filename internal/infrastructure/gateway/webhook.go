package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Razorpay-Signature"

type entity[T any] struct {
	Entity T `json:"entity"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type payoutEntity struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *entity[paymentEntity] `json:"payment"`
		Payout  *entity[payoutEntity]  `json:"payout"`
	} `json:"payload"`
}

// ParseWebhook decodes a verified webhook body into a gateway-neutral event.
// Unknown event types decode without error and are ignored downstream.
func ParseWebhook(body []byte) (transaction.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return transaction.WebhookEvent{}, apperr.Validation("invalid webhook body")
	}
	if env.Event == "" {
		return transaction.WebhookEvent{}, apperr.Validation("webhook event is required")
	}
	ev := transaction.WebhookEvent{Type: transaction.EventType(env.Event)}
	if p := env.Payload.Payment; p != nil {
		ev.PaymentID = p.Entity.ID
		ev.OrderID = p.Entity.OrderID
		ev.Reason = p.Entity.ErrorDescription
	}
	if p := env.Payload.Payout; p != nil {
		ev.PayoutID = p.Entity.ID
		if p.Entity.FailureReason != "" {
			ev.Reason = p.Entity.FailureReason
		}
	}
	return ev, nil
}

// VerifyAndParse checks the signature header before decoding.
func VerifyAndParse(body []byte, signature string, secret []byte) (transaction.WebhookEvent, error) {
	if err := transaction.VerifyWebhookSignature(body, signature, secret); err != nil {
		return transaction.WebhookEvent{}, err
	}
	ev, err := ParseWebhook(body)
	if err != nil {
		return ev, fmt.Errorf("parse webhook: %w", err)
	}
	return ev, nil
}
