package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

func TestRegistry_Audiences(t *testing.T) {
	reg := NewRegistry(8, zerolog.Nop())
	roomID := uuid.New()
	alice := user.Actor{UserID: uuid.New()}
	bob := user.Actor{UserID: uuid.New()}

	a1 := reg.Register(alice)
	a2 := reg.Register(alice)
	b1 := reg.Register(bob)
	reg.Join(a1.ID, roomID)
	reg.Join(b1.ID, roomID)

	reg.Deliver(Event{Name: "ping", Audience: ToRoom(roomID)})
	assert.Len(t, drain(a1), 1)
	assert.Empty(t, drain(a2))
	assert.Len(t, drain(b1), 1)

	reg.Deliver(Event{Name: "ping", Audience: ToRoom(roomID).ExceptConn(a1.ID)})
	assert.Empty(t, drain(a1))
	assert.Len(t, drain(b1), 1)

	reg.Deliver(Event{Name: "ping", Audience: ToUser(alice.UserID)})
	assert.Len(t, drain(a1), 1)
	assert.Len(t, drain(a2), 1)
	assert.Empty(t, drain(b1))

	reg.Deliver(Event{Name: "ping", Audience: ToRoom(roomID).ExceptUser(bob.UserID)})
	assert.Len(t, drain(a1), 1)
	assert.Empty(t, drain(b1))
}

func TestRegistry_FullBufferDropsWithoutBlocking(t *testing.T) {
	reg := NewRegistry(2, zerolog.Nop())
	c := reg.Register(user.Actor{UserID: uuid.New()})

	for i := 0; i < 5; i++ {
		reg.Deliver(Event{Name: "tick", Audience: ToUser(c.Actor.UserID)})
	}
	assert.Len(t, drain(c), 2)
	assert.Equal(t, int64(3), reg.Dropped())
}

func TestRegistry_UnregisterClosesAndReturnsRooms(t *testing.T) {
	reg := NewRegistry(2, zerolog.Nop())
	roomID := uuid.New()
	c := reg.Register(user.Actor{UserID: uuid.New()})
	require.True(t, reg.Join(c.ID, roomID))

	rooms := reg.Unregister(c.ID)
	assert.Equal(t, []uuid.UUID{roomID}, rooms)
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.SendTo(c.ID, Frame{Event: "late"}))

	_, open := <-c.Send
	assert.False(t, open)
	assert.Nil(t, reg.Unregister(c.ID))
}
