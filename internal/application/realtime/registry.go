package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// DefaultBuffer is the outbound frame buffer per connection.
const DefaultBuffer = 64

// Conn is one live socket. Frames are written to Send by the registry and
// drained by the transport.
type Conn struct {
	ID    string
	Actor user.Actor
	Send  chan Frame

	mu         sync.Mutex
	rooms      map[uuid.UUID]struct{}
	lastActive time.Time
	closed     bool
}

// Rooms returns the rooms this connection has joined.
func (c *Conn) Rooms() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// InRoom reports whether the connection has joined roomID.
func (c *Conn) InRoom(roomID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Registry indexes live connections by id, user and room. It is the Sink of
// the local process.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	byUser  map[uuid.UUID]map[string]*Conn
	byRoom  map[uuid.UUID]map[string]*Conn
	buffer  int
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewRegistry(buffer int, logger zerolog.Logger) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[uuid.UUID]map[string]*Conn),
		byRoom: make(map[uuid.UUID]map[string]*Conn),
		buffer: buffer,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds a connection for an authenticated actor.
func (r *Registry) Register(actor user.Actor) *Conn {
	c := &Conn{
		ID:         uuid.NewString(),
		Actor:      actor,
		Send:       make(chan Frame, r.buffer),
		rooms:      make(map[uuid.UUID]struct{}),
		lastActive: time.Now().UTC(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	if r.byUser[actor.UserID] == nil {
		r.byUser[actor.UserID] = make(map[string]*Conn)
	}
	r.byUser[actor.UserID][c.ID] = c
	return c
}

// Unregister removes the connection from every index, closes its channel and
// returns the rooms it had joined.
func (r *Registry) Unregister(connID string) []uuid.UUID {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	if set := r.byUser[c.Actor.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.Actor.UserID)
		}
	}
	rooms := c.Rooms()
	for _, roomID := range rooms {
		r.removeFromRoom(roomID, connID)
	}
	r.mu.Unlock()
	c.close()
	return rooms
}

func (r *Registry) removeFromRoom(roomID uuid.UUID, connID string) {
	if set := r.byRoom[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// Get returns a live connection or nil.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Join adds the connection to a room index.
func (r *Registry) Join(connID string, roomID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	if r.byRoom[roomID] == nil {
		r.byRoom[roomID] = make(map[string]*Conn)
	}
	r.byRoom[roomID][connID] = c
	return true
}

// Leave removes the connection from a room index and reports whether it was there.
func (r *Registry) Leave(connID string, roomID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.mu.Lock()
	_, joined := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	r.removeFromRoom(roomID, connID)
	return joined
}

// Touch records client activity.
func (r *Registry) Touch(connID string) {
	if c := r.Get(connID); c != nil {
		c.mu.Lock()
		c.lastActive = time.Now().UTC()
		c.mu.Unlock()
	}
}

// UserOnline reports whether userID has a live connection in roomID.
func (r *Registry) UserOnline(roomID, userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byRoom[roomID] {
		if c.Actor.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Dropped is the number of frames discarded because a buffer was full.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// SendTo delivers a frame to one connection without blocking.
func (r *Registry) SendTo(connID string, f Frame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.conns[connID]
	if c == nil {
		return false
	}
	return r.trySend(c, f)
}

// Deliver fans an event out to the matching local connections.
func (r *Registry) Deliver(ev Event) {
	f := ev.Frame()
	aud := ev.Audience

	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets map[string]*Conn
	switch {
	case aud.RoomID != nil:
		targets = r.byRoom[*aud.RoomID]
	case aud.UserID != nil:
		targets = r.byUser[*aud.UserID]
	default:
		targets = r.conns
	}
	for id, c := range targets {
		if id == aud.ExcludeConn {
			continue
		}
		if aud.ExcludeUser != nil && c.Actor.UserID == *aud.ExcludeUser {
			continue
		}
		if aud.RoomID != nil && aud.UserID != nil && c.Actor.UserID != *aud.UserID {
			continue
		}
		r.trySend(c, f)
	}
}

// Close drops every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.byUser = make(map[uuid.UUID]map[string]*Conn)
	r.byRoom = make(map[uuid.UUID]map[string]*Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (r *Registry) trySend(c *Conn, f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- f:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn().
			Str("connId", c.ID).
			Str("userId", c.Actor.UserID.String()).
			Str("event", f.Event).
			Msg("outbound buffer full, frame dropped")
		return false
	}
}
