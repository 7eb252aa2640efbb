package transaction

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTx(t *testing.T, amount string) *Transaction {
	t.Helper()
	tx, err := New(uuid.New(), uuid.New(), uuid.New(), decimal.RequireFromString(amount))
	require.NoError(t, err)
	return tx
}

func TestCommission(t *testing.T) {
	tests := []struct {
		amount     string
		commission string
		total      string
		minor      int64
	}{
		{"500", "25", "525", 52500},
		{"1000", "50", "1050", 105000},
		{"0.10", "0.01", "0.11", 11},
		{"999.99", "50", "1049.99", 104999},
		{"33.33", "1.67", "35", 3500},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			assert.True(t, decimal.RequireFromString(tt.commission).Equal(Commission(amount)), "commission %s", Commission(amount))
			assert.True(t, decimal.RequireFromString(tt.total).Equal(Total(amount)), "total %s", Total(amount))
			assert.Equal(t, tt.minor, MinorUnits(Total(amount)))
		})
	}
}

func TestNew(t *testing.T) {
	tx := newTx(t, "500")
	assert.Equal(t, StatusInitiated, tx.PaymentStatus)
	assert.Equal(t, "25", tx.Commission.String())
	assert.Equal(t, int64(52500), tx.TotalMinor())
	assert.True(t, tx.IsActive())
	assert.False(t, tx.HasOrder())

	same := uuid.New()
	_, err := New(uuid.New(), same, same, decimal.NewFromInt(10))
	assert.Error(t, err)
	_, err = New(uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestPrepareAndAttachOrder(t *testing.T) {
	tx := newTx(t, "100")

	require.NoError(t, tx.PrepareOrder(decimal.NewFromInt(1000), " site build "))
	assert.Equal(t, "50", tx.Commission.String())
	assert.Equal(t, "site build", tx.Description)
	require.NoError(t, tx.AttachOrder("order_1"))

	assert.True(t, errors.Is(tx.PrepareOrder(decimal.NewFromInt(1), ""), ErrDuplicateTransaction))
	assert.True(t, errors.Is(tx.AttachOrder("order_2"), ErrDuplicateTransaction))
	assert.Equal(t, "order_1", tx.GatewayOrderID)
}

func TestMarkCaptured(t *testing.T) {
	tx := newTx(t, "100")

	changed, err := tx.MarkCaptured("pay_1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusSuccess, tx.PaymentStatus)

	for i := 0; i < 3; i++ {
		changed, err = tx.MarkCaptured("pay_1")
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.False(t, tx.MarkFailed("pay_1"))
	assert.Equal(t, StatusSuccess, tx.PaymentStatus)

	tx.PaymentStatus = StatusRefunded
	_, err = tx.MarkCaptured("pay_1")
	assert.True(t, errors.Is(err, ErrAlreadyRefunded))
}

func TestSettlementClaims(t *testing.T) {
	t.Run("release requires success", func(t *testing.T) {
		tx := newTx(t, "100")
		assert.True(t, errors.Is(tx.ClaimRelease(), ErrPaymentNotSuccessful))
		assert.True(t, errors.Is(tx.ClaimRefund(), ErrPaymentNotSuccessful))
	})

	t.Run("one claim at a time", func(t *testing.T) {
		tx := newTx(t, "100")
		tx.PaymentStatus = StatusSuccess
		require.NoError(t, tx.ClaimRelease())
		assert.True(t, errors.Is(tx.ClaimRelease(), ErrReleaseInProgress))
		assert.True(t, errors.Is(tx.ClaimRefund(), ErrReleaseInProgress))

		tx.ClearClaim()
		require.NoError(t, tx.ClaimRelease())
	})

	t.Run("released funds are final", func(t *testing.T) {
		tx := newTx(t, "100")
		tx.PaymentStatus = StatusSuccess
		require.NoError(t, tx.ClaimRelease())
		tx.CompleteRelease("pout_1", PayoutUPI, time.Now())

		assert.True(t, tx.IsFundsReleased)
		assert.Equal(t, PayoutProcessing, tx.PayoutStatus)
		assert.Equal(t, SettlementNone, tx.Settlement)
		assert.True(t, errors.Is(tx.ClaimRelease(), ErrAlreadyReleased))
		assert.True(t, errors.Is(tx.ClaimRefund(), ErrAlreadyReleased))
	})

	t.Run("refunded payment cannot be released", func(t *testing.T) {
		tx := newTx(t, "100")
		tx.PaymentStatus = StatusSuccess
		require.NoError(t, tx.ClaimRefund())
		tx.CompleteRefund("rfnd_1", time.Now())

		assert.Equal(t, StatusRefunded, tx.PaymentStatus)
		assert.False(t, tx.IsActive())
		assert.True(t, errors.Is(tx.ClaimRelease(), ErrAlreadyRefunded))
	})
}

func TestApplyPayoutStatus(t *testing.T) {
	tx := newTx(t, "100")
	tx.PaymentStatus = StatusSuccess
	tx.CompleteRelease("pout_1", PayoutBank, time.Now())

	assert.False(t, tx.ApplyPayoutStatus(PayoutProcessing))
	assert.True(t, tx.ApplyPayoutStatus(PayoutFailed))
	assert.False(t, tx.ApplyPayoutStatus(PayoutSuccess))
	assert.Equal(t, PayoutFailed, tx.PayoutStatus)
	assert.True(t, tx.IsFundsReleased)
}

func TestPayoutStatusFor(t *testing.T) {
	s, ok := PayoutStatusFor(EventPayoutProcessed)
	assert.True(t, ok)
	assert.Equal(t, PayoutSuccess, s)
	s, ok = PayoutStatusFor(EventPayoutReversed)
	assert.True(t, ok)
	assert.Equal(t, PayoutFailed, s)
	_, ok = PayoutStatusFor(EventPaymentCaptured)
	assert.False(t, ok)
}

func TestVerifyPaymentSignature(t *testing.T) {
	secret := []byte("gateway-secret")
	sig := SignPayment("order_1", "pay_1", secret)

	require.NoError(t, VerifyPaymentSignature("order_1", "pay_1", sig, secret))

	tampered := []byte(sig)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	assert.True(t, errors.Is(VerifyPaymentSignature("order_1", "pay_1", string(tampered), secret), ErrSignatureMismatch))
	assert.True(t, errors.Is(VerifyPaymentSignature("order_1", "pay_2", sig, secret), ErrSignatureMismatch))
	assert.True(t, errors.Is(VerifyPaymentSignature("order_1", "pay_1", "not-hex", secret), ErrSignatureMismatch))
	assert.True(t, errors.Is(VerifyPaymentSignature("order_1", "pay_1", sig, []byte("other")), ErrSignatureMismatch))
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"event":"payment.captured"}`)
	sig := SignWebhook(body, secret)

	require.NoError(t, VerifyWebhookSignature(body, sig, secret))
	assert.Error(t, VerifyWebhookSignature([]byte(`{"event":"payment.failed"}`), sig, secret))
	assert.Error(t, VerifyWebhookSignature(body, "", secret))
}
