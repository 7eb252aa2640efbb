package room

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
)

// Filter narrows room listings.
type Filter struct {
	ParticipantID *uuid.UUID
	Status        *Status
	// Escalated keeps only rooms whose dispute is waiting for an admin.
	Escalated bool
}

// Repository persists rooms. GetByID returns nil, nil when the room does not
// exist. Update is a compare-and-set on Version: it succeeds only when the
// stored version equals r.Version, increments r.Version on success and
// returns apperr.ErrVersionConflict otherwise.
type Repository interface {
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	Update(ctx context.Context, r *Room) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Room, error)
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Room) bool {
	if f.ParticipantID != nil && !r.IsMember(*f.ParticipantID) && r.CreatedBy != *f.ParticipantID {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Escalated {
		d := r.WorkStatus.Dispute
		if d == nil || d.AdminReview.Status != AdminInProgress {
			return false
		}
	}
	return true
}

// MaxMutateAttempts bounds re-reads after a lost compare-and-set.
const MaxMutateAttempts = 5

// Mutate loads the room, applies fn and writes it back with compare-and-set.
// On a version conflict the room is re-read and fn re-applied, so fn must
// validate against the state it is given. An error from fn aborts without
// writing.
func Mutate(ctx context.Context, repo Repository, id uuid.UUID, fn func(*Room) error) (*Room, error) {
	var lastErr error
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		r, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrNotFound
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		err = repo.Update(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
