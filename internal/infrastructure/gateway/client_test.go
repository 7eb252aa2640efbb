package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/v1/", KeyID: "key", KeySecret: "secret", PayoutAccount: "acc_1"}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "https://api.example.com"}, nil, zerolog.Nop())
	require.Error(t, err)
	_, err = NewClient(Config{KeyID: "k", KeySecret: "s"}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestClient_CreateOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		var body orderBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(52500), body.Amount)
		assert.Equal(t, "INR", body.Currency)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_abc","amount":52500,"currency":"INR","status":"created"}`))
	})

	order, err := c.CreateOrder(context.Background(), transaction.OrderRequest{AmountMinor: 52500, Currency: "INR", Receipt: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", order.ID)
	assert.Equal(t, int64(52500), order.AmountMinor)
}

func TestClient_CreatePayout(t *testing.T) {
	tests := []struct {
		name     string
		method   transaction.PayoutMethod
		wantMode string
		check    func(t *testing.T, body payoutBody)
	}{
		{
			name:     "bank",
			method:   transaction.PayoutBank,
			wantMode: "IMPS",
			check: func(t *testing.T, body payoutBody) {
				require.NotNil(t, body.FundAccount.BankAccount)
				assert.Equal(t, "HDFC0001", body.FundAccount.BankAccount.IFSC)
				assert.Nil(t, body.FundAccount.VPA)
			},
		},
		{
			name:     "upi",
			method:   transaction.PayoutUPI,
			wantMode: "UPI",
			check: func(t *testing.T, body payoutBody) {
				require.NotNil(t, body.FundAccount.VPA)
				assert.Equal(t, "sam@upi", body.FundAccount.VPA.Address)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payouts", r.URL.Path)
				assert.Equal(t, "tx-1:"+string(tt.method), r.Header.Get("X-Payout-Idempotency"))
				var body payoutBody
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, tt.wantMode, body.Mode)
				assert.Equal(t, "acc_1", body.AccountNumber)
				assert.Equal(t, int64(50000), body.Amount)
				tt.check(t, body)
				_, _ = w.Write([]byte(`{"id":"pout_1","status":"processing"}`))
			})
			p, err := c.CreatePayout(context.Background(), transaction.PayoutRequest{
				TransactionID: uuid.New(),
				AmountMinor:   50000,
				Currency:      "INR",
				Method:        tt.method,
				Reference:     "tx-1",
				Destination: transaction.Destination{
					AccountHolder: "Sam", AccountNumber: "0001", IFSC: "HDFC0001", UPIID: "sam@upi",
				},
			})
			require.NoError(t, err)
			assert.Equal(t, "pout_1", p.ID)
		})
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The amount must be at least INR 1.00"}}`))
	})

	_, err := c.Refund(context.Background(), transaction.RefundRequest{PaymentID: "pay_1", AmountMinor: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, transaction.ErrGateway)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "BAD_REQUEST_ERROR", se.Code)

	_, err = c.Refund(context.Background(), transaction.RefundRequest{})
	require.Error(t, err)
}

func TestClient_RefundPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_1/refund", r.URL.Path)
		var body map[string]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(52500), body["amount"])
		_, _ = w.Write([]byte(`{"id":"rfnd_1","status":"processed"}`))
	})
	rf, err := c.Refund(context.Background(), transaction.RefundRequest{PaymentID: "pay_1", AmountMinor: 52500})
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", rf.ID)
}

func TestSimulator(t *testing.T) {
	s := NewSimulator(zerolog.Nop())
	o, err := s.CreateOrder(context.Background(), transaction.OrderRequest{AmountMinor: 100, Currency: "INR"})
	require.NoError(t, err)
	req, ok := s.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, int64(100), req.AmountMinor)

	p, err := s.CreatePayout(context.Background(), transaction.PayoutRequest{Method: transaction.PayoutUPI})
	require.NoError(t, err)
	assert.NotEqual(t, o.ID, p.ID)
}
