package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
)

type RoomRepository struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*room.Room
}

func NewRoomRepository() *RoomRepository {
	return &RoomRepository{rooms: make(map[uuid.UUID]*room.Room)}
}

func (r *RoomRepository) Create(ctx context.Context, rm *room.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[rm.ID]; ok {
		return apperr.ErrVersionConflict
	}
	rm.Version = 1
	stored, err := clone(rm)
	if err != nil {
		return err
	}
	r.rooms[rm.ID] = stored
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*room.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, nil
	}
	return clone(rm)
}

func (r *RoomRepository) Update(ctx context.Context, rm *room.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rooms[rm.ID]
	if !ok {
		return room.ErrNotFound
	}
	if current.Version != rm.Version {
		return apperr.ErrVersionConflict
	}
	next, err := clone(rm)
	if err != nil {
		return err
	}
	next.Version = rm.Version + 1
	r.rooms[rm.ID] = next
	rm.Version = next.Version
	return nil
}

func (r *RoomRepository) List(ctx context.Context, filter room.Filter, limit, offset int) ([]*room.Room, error) {
	r.mu.RLock()
	matched := make([]*room.Room, 0)
	for _, rm := range r.rooms {
		if filter.Matches(rm) {
			matched = append(matched, rm)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	matched = page(matched, limit, offset)
	out := make([]*room.Room, 0, len(matched))
	for _, rm := range matched {
		c, err := clone(rm)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
