package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/message"
)

type MessageRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*message.Message
	byRoom map[uuid.UUID][]uuid.UUID
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		byID:   make(map[uuid.UUID]*message.Message),
		byRoom: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *MessageRepository) Create(ctx context.Context, m *message.Message) error {
	stored, err := clone(m)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.ID] = stored
	r.byRoom[m.RoomID] = append(r.byRoom[m.RoomID], m.ID)
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(m)
}

func (r *MessageRepository) List(ctx context.Context, roomID uuid.UUID, before *time.Time, limit int) ([]*message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := make([]*message.Message, 0, len(r.byRoom[roomID]))
	for _, id := range r.byRoom[roomID] {
		m := r.byID[id]
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		c, err := clone(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// mutate applies fn to the stored message under the write lock.
func (r *MessageRepository) mutate(id uuid.UUID, fn func(*message.Message) bool) (*message.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, false, message.ErrNotFound
	}
	changed := fn(m)
	out, err := clone(m)
	return out, changed, err
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID) (*message.Message, bool, error) {
	return r.mutate(id, func(m *message.Message) bool {
		return m.Advance(message.StatusDelivered)
	})
}

func (r *MessageRepository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (*message.Message, bool, error) {
	return r.mutate(id, func(m *message.Message) bool {
		return m.MarkReadBy(userID, at)
	})
}

func (r *MessageRepository) MarkRoomRead(ctx context.Context, roomID, userID uuid.UUID, at time.Time) ([]*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := make([]*message.Message, 0)
	for _, id := range r.byRoom[roomID] {
		m := r.byID[id]
		if !m.MarkReadBy(userID, at) {
			continue
		}
		c, err := clone(m)
		if err != nil {
			return nil, err
		}
		changed = append(changed, c)
	}
	return changed, nil
}
