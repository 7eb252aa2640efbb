package transaction

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Filter narrows admin transaction listings.
type Filter struct {
	RoomID *uuid.UUID
	UserID *uuid.UUID
	Status *Status
}

// Repository persists transactions. Lookups return nil, nil when nothing
// matches. Create returns ErrDuplicateTransaction when the room already has
// an active (INITIATED or SUCCESS) transaction. Update is a compare-and-set
// on Version and returns apperr.ErrVersionConflict when it loses.
type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Transaction, error)
	GetByPayoutID(ctx context.Context, payoutID string) (*Transaction, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*Transaction, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *Transaction) bool {
	if f.RoomID != nil && t.RoomID != *f.RoomID {
		return false
	}
	if f.UserID != nil && t.BuyerID != *f.UserID && t.SellerID != *f.UserID {
		return false
	}
	if f.Status != nil && t.PaymentStatus != *f.Status {
		return false
	}
	return true
}

const maxMutateAttempts = 5

// Mutate applies fn to the stored transaction under compare-and-set,
// re-reading on version conflicts. changed=false from fn skips the write.
func Mutate(ctx context.Context, repo Repository, id uuid.UUID, fn func(*Transaction) (bool, error)) (*Transaction, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		t, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if t == nil {
			return nil, false, ErrNotFound
		}
		changed, err := fn(t)
		if err != nil {
			return t, false, err
		}
		if !changed {
			return t, false, nil
		}
		err = repo.Update(ctx, t)
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, lastErr
}
