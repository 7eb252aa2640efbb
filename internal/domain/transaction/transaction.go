package transaction

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Status is the payment status of a transaction.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// PayoutStatus tracks the asynchronous seller payout.
type PayoutStatus string

const (
	PayoutNone       PayoutStatus = ""
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutSuccess    PayoutStatus = "SUCCESS"
	PayoutFailed     PayoutStatus = "FAILED"
)

type PayoutMethod string

const (
	PayoutBank PayoutMethod = "BANK"
	PayoutUPI  PayoutMethod = "UPI"
)

// Settlement is the claim a release or refund holds while it talks to the
// gateway. At most one claim exists at a time.
type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementReleasing Settlement = "RELEASING"
	SettlementRefunding Settlement = "REFUNDING"
)

const DefaultCurrency = "INR"

var (
	ErrNotFound                = apperr.New(apperr.KindNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")
	ErrDuplicateTransaction    = apperr.New(apperr.KindStateConflict, "DUPLICATE_TRANSACTION", "room already has an active transaction")
	ErrPaymentNotSuccessful    = apperr.New(apperr.KindStateConflict, "PAYMENT_NOT_SUCCESSFUL", "payment has not been captured")
	ErrAlreadyReleased         = apperr.New(apperr.KindStateConflict, "ALREADY_RELEASED", "funds have already been released")
	ErrReleaseInProgress       = apperr.New(apperr.KindStateConflict, "RELEASE_IN_PROGRESS", "another settlement is in progress")
	ErrAlreadyRefunded         = apperr.New(apperr.KindStateConflict, "ALREADY_REFUNDED", "payment has already been refunded")
	ErrSellerDetailsIncomplete = apperr.New(apperr.KindStateConflict, "SELLER_PAYMENT_DETAILS_INCOMPLETE", "seller has not completed payout details")
	ErrSignatureMismatch       = apperr.New(apperr.KindValidation, "SIGNATURE_MISMATCH", "payment signature verification failed")
	ErrPayoutFailed            = apperr.New(apperr.KindExternal, "PAYOUT_FAILED", "payout could not be created")
	ErrGateway                 = apperr.New(apperr.KindExternal, "GATEWAY_ERROR", "payment gateway request failed")
	ErrOrderSuperseded         = apperr.New(apperr.KindStateConflict, "ORDER_SUPERSEDED", "order was replaced; the payment is refunded")
)

// Transaction is one custodial payment instance for a room.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	RoomID           uuid.UUID       `json:"roomId"`
	BuyerID          uuid.UUID       `json:"buyerId"`
	SellerID         uuid.UUID       `json:"sellerId"`
	Amount           decimal.Decimal `json:"amount"`
	Commission       decimal.Decimal `json:"commission"`
	Currency         string          `json:"currency"`
	Description      string          `json:"description,omitempty"`
	PaymentStatus    Status          `json:"paymentStatus"`
	GatewayOrderID   string          `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string          `json:"gatewayPaymentId,omitempty"`
	GatewayPayoutID  string          `json:"gatewayPayoutId,omitempty"`
	GatewayRefundID  string          `json:"gatewayRefundId,omitempty"`
	PayoutMethod     PayoutMethod    `json:"payoutMethod,omitempty"`
	PayoutStatus     PayoutStatus    `json:"payoutStatus,omitempty"`
	IsFundsReleased  bool            `json:"isFundsReleased"`
	Settlement       Settlement      `json:"-"`
	ReleasedAt       *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time      `json:"refundedAt,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// New creates an INITIATED transaction without a gateway order.
func New(roomID, buyerID, sellerID uuid.UUID, amount decimal.Decimal) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	if buyerID == uuid.Nil || sellerID == uuid.Nil || buyerID == sellerID {
		return nil, apperr.Validation("transaction needs a distinct buyer and seller")
	}
	amount = amount.Round(2)
	now := time.Now().UTC()
	return &Transaction{
		ID:            uuid.New(),
		RoomID:        roomID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Amount:        amount,
		Commission:    Commission(amount),
		Currency:      DefaultCurrency,
		PaymentStatus: StatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Total is the amount charged to the buyer.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Commission)
}

// TotalMinor is Total in the smallest currency unit.
func (t *Transaction) TotalMinor() int64 {
	return MinorUnits(t.Total())
}

func (t *Transaction) HasOrder() bool {
	return t.GatewayOrderID != ""
}

// IsActive reports whether the transaction still blocks a new one for its room.
func (t *Transaction) IsActive() bool {
	return t.PaymentStatus == StatusInitiated || t.PaymentStatus == StatusSuccess
}

// PrepareOrder reprices an INITIATED transaction that has no gateway order yet.
func (t *Transaction) PrepareOrder(amount decimal.Decimal, description string) error {
	if t.PaymentStatus != StatusInitiated || t.HasOrder() {
		return ErrDuplicateTransaction
	}
	if !amount.IsPositive() {
		return apperr.Validation("amount must be greater than zero")
	}
	t.Amount = amount.Round(2)
	t.Commission = Commission(t.Amount)
	t.Description = strings.TrimSpace(description)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachOrder stores the gateway order id. The order id is set once.
func (t *Transaction) AttachOrder(orderID string) error {
	if t.HasOrder() {
		return ErrDuplicateTransaction
	}
	t.GatewayOrderID = orderID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCaptured records a captured payment. It reports false without error
// when the transaction is already SUCCESS.
func (t *Transaction) MarkCaptured(paymentID string) (bool, error) {
	switch t.PaymentStatus {
	case StatusSuccess:
		return false, nil
	case StatusRefunded:
		return false, ErrAlreadyRefunded
	}
	t.PaymentStatus = StatusSuccess
	if paymentID != "" {
		t.GatewayPaymentID = paymentID
	}
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ClaimStaleCapture takes the refund claim for a payment captured against an
// order its room no longer references. The transaction never becomes active.
func (t *Transaction) ClaimStaleCapture(paymentID string) error {
	switch {
	case t.PaymentStatus == StatusRefunded:
		return ErrAlreadyRefunded
	case t.PaymentStatus == StatusSuccess:
		return ErrDuplicateTransaction
	case t.Settlement != SettlementNone:
		return ErrReleaseInProgress
	}
	if paymentID != "" {
		t.GatewayPaymentID = paymentID
	}
	t.Settlement = SettlementRefunding
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed moves an INITIATED transaction to FAILED.
func (t *Transaction) MarkFailed(paymentID string) bool {
	if t.PaymentStatus != StatusInitiated {
		return false
	}
	t.PaymentStatus = StatusFailed
	if paymentID != "" && t.GatewayPaymentID == "" {
		t.GatewayPaymentID = paymentID
	}
	t.UpdatedAt = time.Now().UTC()
	return true
}

func (t *Transaction) checkSettleable() error {
	if t.IsFundsReleased {
		return ErrAlreadyReleased
	}
	if t.PaymentStatus == StatusRefunded {
		return ErrAlreadyRefunded
	}
	if t.PaymentStatus != StatusSuccess {
		return ErrPaymentNotSuccessful
	}
	if t.Settlement != SettlementNone {
		return ErrReleaseInProgress
	}
	return nil
}

// ClaimRelease takes the settlement claim for a payout.
func (t *Transaction) ClaimRelease() error {
	if err := t.checkSettleable(); err != nil {
		return err
	}
	t.Settlement = SettlementReleasing
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ClaimRefund takes the settlement claim for a refund.
func (t *Transaction) ClaimRefund() error {
	if err := t.checkSettleable(); err != nil {
		return err
	}
	t.Settlement = SettlementRefunding
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearClaim drops a claim after a failed gateway call.
func (t *Transaction) ClearClaim() {
	t.Settlement = SettlementNone
	t.UpdatedAt = time.Now().UTC()
}

// CompleteRelease finalises a claimed release. isFundsReleased never flips back.
func (t *Transaction) CompleteRelease(payoutID string, method PayoutMethod, now time.Time) {
	t.IsFundsReleased = true
	t.GatewayPayoutID = payoutID
	t.PayoutMethod = method
	t.PayoutStatus = PayoutProcessing
	t.Settlement = SettlementNone
	t.ReleasedAt = &now
	t.UpdatedAt = now
}

// CompleteRefund finalises a claimed refund.
func (t *Transaction) CompleteRefund(refundID string, now time.Time) {
	t.PaymentStatus = StatusRefunded
	t.GatewayRefundID = refundID
	t.Settlement = SettlementNone
	t.RefundedAt = &now
	t.UpdatedAt = now
}

// ApplyPayoutStatus reconciles a payout webhook. Terminal payout statuses are
// never rewritten and the released flag is left untouched.
func (t *Transaction) ApplyPayoutStatus(status PayoutStatus) bool {
	if status != PayoutSuccess && status != PayoutFailed {
		return false
	}
	if t.PayoutStatus == PayoutSuccess || t.PayoutStatus == PayoutFailed || t.PayoutStatus == status {
		return false
	}
	t.PayoutStatus = status
	t.UpdatedAt = time.Now().UTC()
	return true
}
