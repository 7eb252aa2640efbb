package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	appAudit "github.com/escrow-hub/escrow-hub/internal/application/audit"
	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction/mocks"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

var keySecret = []byte("gateway-secret")

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, realtime.Event) error { return nil }

type countingNotifier struct {
	mu    sync.Mutex
	kinds []notification.Kind
}

func (n *countingNotifier) Notify(_ context.Context, kind notification.Kind, _ uuid.UUID, _, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

type fixture struct {
	svc      *Service
	gateway  *mocks.MockGateway
	rooms    *memory.RoomRepository
	txs      *memory.TransactionRepository
	auditSvc *appAudit.Service
	mail     *countingNotifier
	room     *room.Room
	tx       *transaction.Transaction
	buyer    user.Actor
	seller   user.Actor
}

// newFixture builds a room awaiting payment with a transaction shell.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	f := &fixture{
		gateway: mocks.NewMockGateway(ctrl),
		rooms:   memory.NewRoomRepository(),
		txs:     memory.NewTransactionRepository(),
		mail:    &countingNotifier{},
		buyer:   user.Actor{UserID: uuid.New(), Name: "bea", Email: "bea@example.com", Role: user.RoleUser},
		seller:  user.Actor{UserID: uuid.New(), Name: "sam", Email: "sam@example.com", Role: user.RoleUser},
	}
	f.auditSvc = appAudit.NewService(memory.NewAuditRepository(), zerolog.Nop(), nil)
	poster := realtime.NewPoster(memory.NewMessageRepository(), nopPublisher{}, zerolog.Nop())
	f.svc = NewService(f.rooms, f.txs, f.gateway, Config{KeyID: "key_1", KeySecret: keySecret}, poster, f.auditSvc, f.mail, zerolog.Nop())
	f.svc.retry = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }

	r, err := room.NewRoom(f.buyer.UserID, decimal.NewFromInt(500), "landing page", nil)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: f.buyer.UserID, Name: "bea", Email: f.buyer.Email}, room.RoleBuyer)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: f.seller.UserID, Name: "sam", Email: f.seller.Email}, room.RoleSeller)
	require.NoError(t, err)
	tx, err := transaction.New(r.ID, f.buyer.UserID, f.seller.UserID, r.Price)
	require.NoError(t, err)
	require.NoError(t, r.AttachTransaction(tx.ID, nil))
	_, err = r.Transition(room.StatusAwaitingPayment)
	require.NoError(t, err)
	r.SetPaymentDetails(room.PaymentDetails{AccountHolder: "Sam", AccountNumber: "000123", IFSC: "hdfc0001", UPIID: "sam@upi"})

	require.NoError(t, f.rooms.Create(ctx, r))
	require.NoError(t, f.txs.Create(ctx, tx))
	f.room, f.tx = r, tx
	return f
}

func (f *fixture) order(t *testing.T, orderID string) {
	t.Helper()
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).Return(&transaction.Order{ID: orderID}, nil)
	_, err := f.svc.CreateOrder(context.Background(), f.buyer, f.room.ID, decimal.NewFromInt(500), "landing page")
	require.NoError(t, err)
}

func (f *fixture) pay(t *testing.T) {
	t.Helper()
	f.order(t, "order_1")
	_, err := f.svc.VerifyPayment(context.Background(), f.buyer, "order_1", "pay_1", transaction.SignPayment("order_1", "pay_1", keySecret))
	require.NoError(t, err)
}

func (f *fixture) roomStatus(t *testing.T) room.Status {
	t.Helper()
	r, err := f.rooms.GetByID(context.Background(), f.room.ID)
	require.NoError(t, err)
	return r.Status
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateOrder(ctx, f.seller, f.room.ID, decimal.NewFromInt(500), "")
	assert.ErrorIs(t, err, room.ErrNotBuyer)

	_, err = f.svc.CreateOrder(ctx, f.buyer, f.room.ID, decimal.Zero, "")
	require.Error(t, err)

	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req transaction.OrderRequest) (*transaction.Order, error) {
			assert.Equal(t, int64(52500), req.AmountMinor)
			assert.Equal(t, "INR", req.Currency)
			return &transaction.Order{ID: "order_1", AmountMinor: req.AmountMinor}, nil
		})
	res, err := f.svc.CreateOrder(ctx, f.buyer, f.room.ID, decimal.NewFromInt(500), "landing page")
	require.NoError(t, err)
	assert.Equal(t, f.tx.ID, res.Transaction.ID, "shell is reused")
	assert.Equal(t, "order_1", res.OrderID)
	assert.Equal(t, "key_1", res.KeyID)
	assert.True(t, decimal.NewFromInt(25).Equal(res.Transaction.Commission))

	_, err = f.svc.CreateOrder(ctx, f.buyer, f.room.ID, decimal.NewFromInt(500), "again")
	assert.ErrorIs(t, err, transaction.ErrDuplicateTransaction)
}

func TestCreateOrder_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).Return(nil, errors.New("503"))

	_, err := f.svc.CreateOrder(context.Background(), f.buyer, f.room.ID, decimal.NewFromInt(500), "")
	assert.ErrorIs(t, err, transaction.ErrGateway)

	stored, err := f.txs.GetByID(context.Background(), f.tx.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasOrder())
}

func TestVerifyPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "order_1")

	good := transaction.SignPayment("order_1", "pay_1", keySecret)
	tampered := []byte(good)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}

	_, err := f.svc.VerifyPayment(ctx, f.buyer, "order_1", "pay_1", string(tampered))
	assert.ErrorIs(t, err, transaction.ErrSignatureMismatch)
	stored, err := f.txs.GetByID(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusInitiated, stored.PaymentStatus)
	assert.Equal(t, room.StatusAwaitingPayment, f.roomStatus(t))

	got, err := f.svc.VerifyPayment(ctx, f.buyer, "order_1", "pay_1", good)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusSuccess, got.PaymentStatus)
	assert.Equal(t, "pay_1", got.GatewayPaymentID)
	assert.Equal(t, room.StatusActive, f.roomStatus(t))

	again, err := f.svc.VerifyPayment(ctx, f.buyer, "order_1", "pay_1", good)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "replay does not write")
}

func TestHandleWebhook_CaptureReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "order_1")

	ev := transaction.WebhookEvent{Type: transaction.EventPaymentCaptured, PaymentID: "pay_9", OrderID: "order_1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.HandleWebhook(ctx, ev))
	}
	f.auditSvc.Wait()

	history, err := f.auditSvc.RoomTrail(ctx, f.tx.RoomID)
	require.NoError(t, err)
	captured := 0
	for _, l := range history {
		if l.EntityType == audit.EntityTypeTransaction && l.Action == audit.ActionPaymentCaptured {
			captured++
		}
	}
	assert.Equal(t, 1, captured)
	assert.Equal(t, room.StatusActive, f.roomStatus(t))

	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPaymentCaptured, PaymentID: "unknown"}))
}

func TestHandleWebhook_PaymentFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "order_1")

	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPaymentFailed, OrderID: "order_1", Reason: "card declined"}))
	stored, err := f.txs.GetByID(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, stored.PaymentStatus)

	// a new order replaces the failed transaction
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).Return(&transaction.Order{ID: "order_2"}, nil)
	res, err := f.svc.CreateOrder(ctx, f.buyer, f.room.ID, decimal.NewFromInt(500), "")
	require.NoError(t, err)
	assert.NotEqual(t, f.tx.ID, res.Transaction.ID)

	r, err := f.rooms.GetByID(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, *r.TransactionID)
}

func TestHandleWebhook_LateCaptureOnReplacedOrderIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "order_1")
	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPaymentFailed, OrderID: "order_1"}))

	f.order(t, "order_2")
	current, err := f.svc.VerifyPayment(ctx, f.buyer, "order_2", "pay_2", transaction.SignPayment("order_2", "pay_2", keySecret))
	require.NoError(t, err)

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req transaction.RefundRequest) (*transaction.Refund, error) {
			assert.Equal(t, f.tx.ID, req.TransactionID)
			assert.Equal(t, "pay_1", req.PaymentID)
			assert.Equal(t, int64(52500), req.AmountMinor)
			return &transaction.Refund{ID: "rfnd_1"}, nil
		}).Times(1)

	late := transaction.WebhookEvent{Type: transaction.EventPaymentCaptured, PaymentID: "pay_1", OrderID: "order_1"}
	require.NoError(t, f.svc.HandleWebhook(ctx, late))
	require.NoError(t, f.svc.HandleWebhook(ctx, late))

	_, err = f.svc.VerifyPayment(ctx, f.buyer, "order_1", "pay_1", transaction.SignPayment("order_1", "pay_1", keySecret))
	assert.ErrorIs(t, err, transaction.ErrAlreadyRefunded)

	all, err := f.txs.ListByRoom(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	success := 0
	for _, tx := range all {
		switch tx.ID {
		case current.ID:
			assert.Equal(t, transaction.StatusSuccess, tx.PaymentStatus)
		case f.tx.ID:
			assert.Equal(t, transaction.StatusRefunded, tx.PaymentStatus)
			assert.Equal(t, "rfnd_1", tx.GatewayRefundID)
			assert.Equal(t, transaction.SettlementNone, tx.Settlement)
		}
		if tx.PaymentStatus == transaction.StatusSuccess {
			success++
		}
	}
	assert.Equal(t, 1, success)

	r, err := f.rooms.GetByID(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, current.ID, *r.TransactionID)
	assert.Equal(t, room.StatusActive, r.Status)
}

func TestVerifyPayment_ReplacedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.order(t, "order_1")
	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPaymentFailed, OrderID: "order_1"}))
	f.order(t, "order_2")

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(&transaction.Refund{ID: "rfnd_1"}, nil)
	got, err := f.svc.VerifyPayment(ctx, f.buyer, "order_1", "pay_1", transaction.SignPayment("order_1", "pay_1", keySecret))
	assert.ErrorIs(t, err, transaction.ErrOrderSuperseded)
	require.NotNil(t, got)
	assert.Equal(t, transaction.StatusRefunded, got.PaymentStatus)
	assert.Equal(t, room.StatusAwaitingPayment, f.roomStatus(t))
}

func TestRelease_ConcurrentCallersPayOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pay(t)

	var payouts atomic.Int32
	f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, transaction.PayoutRequest) (*transaction.Payout, error) {
			payouts.Add(1)
			return &transaction.Payout{ID: "pout_1"}, nil
		}).Times(1)

	var ok atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := f.svc.Release(ctx, f.buyer, f.tx.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, transaction.ErrReleaseInProgress), errors.Is(err, transaction.ErrAlreadyReleased):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), payouts.Load())

	stored, err := f.txs.GetByID(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFundsReleased)
	assert.Equal(t, transaction.PayoutProcessing, stored.PayoutStatus)
	assert.Equal(t, transaction.PayoutBank, stored.PayoutMethod)
	assert.Equal(t, room.StatusCompleted, f.roomStatus(t))
}

func TestRelease_Guards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Release(ctx, f.seller, f.tx.ID)
	assert.ErrorIs(t, err, room.ErrNotBuyer)

	_, err = f.svc.Release(ctx, f.buyer, f.tx.ID)
	assert.ErrorIs(t, err, transaction.ErrPaymentNotSuccessful)

	_, err = f.svc.Release(ctx, f.buyer, uuid.New())
	assert.ErrorIs(t, err, transaction.ErrNotFound)

	f.pay(t)
	_, err = room.Mutate(ctx, f.rooms, f.room.ID, func(r *room.Room) error {
		r.SetPaymentDetails(room.PaymentDetails{})
		return nil
	})
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, f.buyer, f.tx.ID)
	assert.ErrorIs(t, err, transaction.ErrSellerDetailsIncomplete)
}

func TestRelease_FallsBackToUPI(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pay(t)

	gomock.InOrder(
		f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req transaction.PayoutRequest) (*transaction.Payout, error) {
				assert.Equal(t, transaction.PayoutBank, req.Method)
				assert.Equal(t, int64(50000), req.AmountMinor)
				return nil, errors.New("bank rejected")
			}),
		f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req transaction.PayoutRequest) (*transaction.Payout, error) {
				assert.Equal(t, transaction.PayoutUPI, req.Method)
				assert.Equal(t, "sam@upi", req.Destination.UPIID)
				return &transaction.Payout{ID: "pout_upi"}, nil
			}),
	)

	got, err := f.svc.Release(ctx, f.buyer, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.PayoutUPI, got.PayoutMethod)
	assert.Equal(t, "pout_upi", got.GatewayPayoutID)
}

func TestRelease_PayoutFailureClearsClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pay(t)

	f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(nil, errors.New("down")).Times(2)
	_, err := f.svc.Release(ctx, f.buyer, f.tx.ID)
	assert.ErrorIs(t, err, transaction.ErrPayoutFailed)

	stored, err := f.txs.GetByID(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsFundsReleased)
	assert.Equal(t, transaction.SettlementNone, stored.Settlement)

	f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(&transaction.Payout{ID: "pout_2"}, nil)
	_, err = f.svc.Release(ctx, f.buyer, f.tx.ID)
	assert.NoError(t, err)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pay(t)

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req transaction.RefundRequest) (*transaction.Refund, error) {
			assert.Equal(t, "pay_1", req.PaymentID)
			assert.Equal(t, int64(52500), req.AmountMinor)
			return &transaction.Refund{ID: "rfnd_1"}, nil
		})

	got, err := f.svc.Refund(ctx, f.buyer, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, got.PaymentStatus)
	assert.Equal(t, room.StatusDispute, f.roomStatus(t))

	_, err = f.svc.Release(ctx, f.buyer, f.tx.ID)
	assert.ErrorIs(t, err, transaction.ErrAlreadyRefunded)
	_, err = f.svc.Refund(ctx, f.buyer, f.tx.ID)
	assert.ErrorIs(t, err, transaction.ErrAlreadyRefunded)
}

func TestHandleWebhook_PayoutReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.pay(t)
	f.gateway.EXPECT().CreatePayout(gomock.Any(), gomock.Any()).Return(&transaction.Payout{ID: "pout_1"}, nil)
	_, err := f.svc.Release(ctx, f.buyer, f.tx.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPayoutProcessed, PayoutID: "pout_1"}))
	require.NoError(t, f.svc.HandleWebhook(ctx, transaction.WebhookEvent{Type: transaction.EventPayoutReversed, PayoutID: "pout_1"}))

	stored, err := f.txs.GetByID(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.PayoutSuccess, stored.PayoutStatus, "terminal status is kept")
	assert.True(t, stored.IsFundsReleased)
}

func TestGetters_Visibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stranger := user.Actor{UserID: uuid.New(), Role: user.RoleUser}
	admin := user.Actor{UserID: uuid.New(), Role: user.RoleAdmin}

	_, err := f.svc.GetTransaction(ctx, stranger, f.tx.ID)
	assert.Error(t, err)
	got, err := f.svc.GetRoomTransaction(ctx, f.seller, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, f.tx.ID, got.ID)

	_, err = f.svc.ListTransactions(ctx, f.buyer, transaction.Filter{}, 10, 0)
	assert.Error(t, err)
	all, err := f.svc.ListTransactions(ctx, admin, transaction.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
