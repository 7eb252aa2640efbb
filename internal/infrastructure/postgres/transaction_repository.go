package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

const activeRoomConstraint = "uq_transactions_active_room"

const transactionColumns = `id, room_id, buyer_id, seller_id, amount, commission, currency, description, payment_status,
	gateway_order_id, gateway_payment_id, gateway_payout_id, gateway_refund_id, payout_method, payout_status,
	is_funds_released, settlement, released_at, refunded_at, version, created_at, updated_at`

// TransactionRepository implements transaction.Repository.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	t.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, t.ID, t.RoomID, t.BuyerID, t.SellerID, t.Amount, t.Commission, t.Currency, t.Description, t.PaymentStatus,
		nullable(t.GatewayOrderID), nullable(t.GatewayPaymentID), nullable(t.GatewayPayoutID), nullable(t.GatewayRefundID),
		t.PayoutMethod, t.PayoutStatus, t.IsFundsReleased, t.Settlement, t.ReleasedAt, t.RefundedAt, t.Version, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err, activeRoomConstraint) {
		return transaction.ErrDuplicateTransaction
	}
	return err
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return r.getOne(ctx, `id=$1`, id)
}

func (r *TransactionRepository) GetByOrderID(ctx context.Context, orderID string) (*transaction.Transaction, error) {
	return r.getOne(ctx, `gateway_order_id=$1`, orderID)
}

func (r *TransactionRepository) GetByPaymentID(ctx context.Context, paymentID string) (*transaction.Transaction, error) {
	return r.getOne(ctx, `gateway_payment_id=$1`, paymentID)
}

func (r *TransactionRepository) GetByPayoutID(ctx context.Context, payoutID string) (*transaction.Transaction, error) {
	return r.getOne(ctx, `gateway_payout_id=$1`, payoutID)
}

func (r *TransactionRepository) getOne(ctx context.Context, where string, arg any) (*transaction.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where+` ORDER BY created_at DESC LIMIT 1`, arg)
	return scanTransaction(row)
}

func (r *TransactionRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*transaction.Transaction, error) {
	return r.List(ctx, transaction.Filter{RoomID: &roomID}, 0, 0)
}

func (r *TransactionRepository) List(ctx context.Context, filter transaction.Filter, limit, offset int) ([]*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	args := []any{}
	if filter.RoomID != nil {
		query += addWhere(query) + " room_id=$" + itoa(len(args)+1)
		args = append(args, *filter.RoomID)
	}
	if filter.UserID != nil {
		n := itoa(len(args) + 1)
		query += addWhere(query) + " (buyer_id=$" + n + " OR seller_id=$" + n + ")"
		args = append(args, *filter.UserID)
	}
	if filter.Status != nil {
		query += addWhere(query) + " payment_status=$" + itoa(len(args)+1)
		args = append(args, *filter.Status)
	}
	query += " ORDER BY created_at DESC, id"
	query, args = page(query, args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Update is a compare-and-set on version. Moving a transaction back to an
// active status can still hit the one-active-per-room index.
func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	next := t.Version + 1
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET
			amount=$3, commission=$4, currency=$5, description=$6, payment_status=$7,
			gateway_order_id=$8, gateway_payment_id=$9, gateway_payout_id=$10, gateway_refund_id=$11,
			payout_method=$12, payout_status=$13, is_funds_released=$14, settlement=$15,
			released_at=$16, refunded_at=$17, version=$18, updated_at=$19
		WHERE id=$1 AND version=$2
	`, t.ID, t.Version, t.Amount, t.Commission, t.Currency, t.Description, t.PaymentStatus,
		nullable(t.GatewayOrderID), nullable(t.GatewayPaymentID), nullable(t.GatewayPayoutID), nullable(t.GatewayRefundID),
		t.PayoutMethod, t.PayoutStatus, t.IsFundsReleased, t.Settlement, t.ReleasedAt, t.RefundedAt, next, t.UpdatedAt)
	if isUniqueViolation(err, activeRoomConstraint) {
		return transaction.ErrDuplicateTransaction
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		t.Version = next
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return transaction.ErrNotFound
	}
	return apperr.ErrVersionConflict
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var (
		t                                   transaction.Transaction
		orderID, paymentID, payoutID, refID *string
	)
	err := row.Scan(&t.ID, &t.RoomID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Commission, &t.Currency, &t.Description, &t.PaymentStatus,
		&orderID, &paymentID, &payoutID, &refID, &t.PayoutMethod, &t.PayoutStatus,
		&t.IsFundsReleased, &t.Settlement, &t.ReleasedAt, &t.RefundedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if orderID != nil {
		t.GatewayOrderID = *orderID
	}
	if paymentID != nil {
		t.GatewayPaymentID = *paymentID
	}
	if payoutID != nil {
		t.GatewayPayoutID = *payoutID
	}
	if refID != nil {
		t.GatewayRefundID = *refID
	}
	return &t, nil
}
