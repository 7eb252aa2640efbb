package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

type TransactionRepository struct {
	mu  sync.RWMutex
	txs map[uuid.UUID]*transaction.Transaction
}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{txs: make(map[uuid.UUID]*transaction.Transaction)}
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.txs {
		if existing.RoomID == t.RoomID && existing.IsActive() {
			return transaction.ErrDuplicateTransaction
		}
	}
	t.Version = 1
	stored, err := clone(t)
	if err != nil {
		return err
	}
	stored.Settlement = t.Settlement
	r.txs[t.ID] = stored
	return nil
}

// copyOut clones a stored transaction; Settlement is excluded from JSON so it
// is carried over explicitly.
func copyOut(t *transaction.Transaction) (*transaction.Transaction, error) {
	c, err := clone(t)
	if err != nil {
		return nil, err
	}
	c.Settlement = t.Settlement
	return c, nil
}

func (r *TransactionRepository) find(match func(*transaction.Transaction) bool) (*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.txs {
		if match(t) {
			return copyOut(t)
		}
	}
	return nil, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return r.find(func(t *transaction.Transaction) bool { return t.ID == id })
}

func (r *TransactionRepository) GetByOrderID(ctx context.Context, orderID string) (*transaction.Transaction, error) {
	if orderID == "" {
		return nil, nil
	}
	return r.find(func(t *transaction.Transaction) bool { return t.GatewayOrderID == orderID })
}

func (r *TransactionRepository) GetByPaymentID(ctx context.Context, paymentID string) (*transaction.Transaction, error) {
	if paymentID == "" {
		return nil, nil
	}
	return r.find(func(t *transaction.Transaction) bool { return t.GatewayPaymentID == paymentID })
}

func (r *TransactionRepository) GetByPayoutID(ctx context.Context, payoutID string) (*transaction.Transaction, error) {
	if payoutID == "" {
		return nil, nil
	}
	return r.find(func(t *transaction.Transaction) bool { return t.GatewayPayoutID == payoutID })
}

func (r *TransactionRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*transaction.Transaction, error) {
	return r.List(ctx, transaction.Filter{RoomID: &roomID}, 0, 0)
}

func (r *TransactionRepository) List(ctx context.Context, filter transaction.Filter, limit, offset int) ([]*transaction.Transaction, error) {
	r.mu.RLock()
	matched := make([]*transaction.Transaction, 0)
	for _, t := range r.txs {
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	matched = page(matched, limit, offset)
	out := make([]*transaction.Transaction, 0, len(matched))
	for _, t := range matched {
		c, err := copyOut(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.txs[t.ID]
	if !ok {
		return transaction.ErrNotFound
	}
	if current.Version != t.Version {
		return apperr.ErrVersionConflict
	}
	if t.IsActive() {
		for id, other := range r.txs {
			if id != t.ID && other.RoomID == t.RoomID && other.IsActive() {
				return transaction.ErrDuplicateTransaction
			}
		}
	}
	next, err := copyOut(t)
	if err != nil {
		return err
	}
	next.Version = t.Version + 1
	r.txs[t.ID] = next
	t.Version = next.Version
	return nil
}
