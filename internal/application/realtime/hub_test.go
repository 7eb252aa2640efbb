package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

type directPublisher struct {
	sink Sink
}

func (p directPublisher) Publish(_ context.Context, ev Event) error {
	p.sink.Deliver(ev)
	return nil
}

type hubFixture struct {
	hub      *Hub
	registry *Registry
	messages *memory.MessageRepository
	room     *room.Room
	buyer    user.Actor
	seller   user.Actor
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx := context.Background()
	buyer := user.Actor{UserID: uuid.New(), Name: "Bea", Role: user.RoleUser}
	seller := user.Actor{UserID: uuid.New(), Name: "Sam", Role: user.RoleUser}

	r, err := room.NewRoom(buyer.UserID, decimal.NewFromInt(500), "logo design", nil)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: buyer.UserID, Name: buyer.Name}, room.RoleBuyer)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: seller.UserID, Name: seller.Name}, room.RoleSeller)
	require.NoError(t, err)

	rooms := memory.NewRoomRepository()
	require.NoError(t, rooms.Create(ctx, r))
	messages := memory.NewMessageRepository()
	registry := NewRegistry(16, zerolog.Nop())
	hub := NewHub(rooms, messages, registry, directPublisher{sink: registry}, 50, zerolog.Nop())
	return &hubFixture{hub: hub, registry: registry, messages: messages, room: r, buyer: buyer, seller: seller}
}

func cmd(t *testing.T, typ string, payload any) Command {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Command{Type: typ, Payload: data}
}

func drain(c *Conn) []Frame {
	var out []Frame
	for {
		select {
		case f, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func names(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func (f *hubFixture) join(t *testing.T, actor user.Actor) *Conn {
	t.Helper()
	c := f.registry.Register(actor)
	f.hub.Dispatch(context.Background(), c, cmd(t, CmdJoinRoom, map[string]any{"roomId": f.room.ID}))
	return c
}

func TestHub_JoinRoomRequiresMembership(t *testing.T) {
	f := newHubFixture(t)
	stranger := f.registry.Register(user.Actor{UserID: uuid.New(), Role: user.RoleUser})

	_, err := f.hub.Handle(context.Background(), stranger, cmd(t, CmdJoinRoom, map[string]any{"roomId": f.room.ID}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.False(t, stranger.InRoom(f.room.ID))

	_, err = f.hub.Handle(context.Background(), stranger, cmd(t, CmdJoinRoom, map[string]any{"roomId": uuid.New()}))
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestHub_JoinRoomMarksHistoryRead(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)

	sellerConn := f.join(t, f.seller)
	drain(sellerConn)

	sellerID := f.seller.UserID
	m, err := message.New(f.room.ID, &sellerID, "Sam", "first draft ready", message.TypeText, nil)
	require.NoError(t, err)
	require.NoError(t, f.messages.Create(ctx, m))

	buyerConn := f.join(t, f.buyer)
	frames := drain(buyerConn)
	require.Len(t, frames, 1)
	assert.Equal(t, EventRoomJoined, frames[0].Event)

	var joined struct {
		RoomID   uuid.UUID          `json:"roomId"`
		Messages []*message.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &joined))
	require.Len(t, joined.Messages, 1)
	assert.Equal(t, message.StatusRead, joined.Messages[0].Status)

	assert.Equal(t, []string{EventMessageStatusUpdate, EventUserJoined}, names(drain(sellerConn)))

	stored, err := f.messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ReadBy, f.buyer.UserID)
}

func TestHub_SendMessageAndAck(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)
	sellerConn := f.join(t, f.seller)
	drain(buyerConn)
	drain(sellerConn)

	f.hub.Dispatch(ctx, buyerConn, cmd(t, CmdSendMessage, map[string]any{
		"roomId": f.room.ID, "content": "hello", "messageType": "TEXT",
	}))
	got := drain(sellerConn)
	require.Equal(t, []string{EventNewMessage}, names(got))
	assert.Equal(t, []string{EventNewMessage}, names(drain(buyerConn)))

	var m message.Message
	require.NoError(t, json.Unmarshal(got[0].Data, &m))
	assert.Equal(t, message.StatusSent, m.Status)

	ack := cmd(t, CmdMessageAck, map[string]any{"roomId": f.room.ID, "messageId": m.ID})
	res, err := f.hub.Handle(ctx, sellerConn, ack)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventMessageStatusUpdate, res.Events[0].Name)

	// delivery is monotonic
	res, err = f.hub.Handle(ctx, sellerConn, ack)
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	// authors do not ack their own messages
	res, err = f.hub.Handle(ctx, buyerConn, ack)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestHub_SendMessageRejectsServerTypes(t *testing.T) {
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)

	_, err := f.hub.Handle(context.Background(), buyerConn, cmd(t, CmdSendMessage, map[string]any{
		"roomId": f.room.ID, "content": "I win", "messageType": "AI_RESPONSE",
	}))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHub_TypingExcludesSender(t *testing.T) {
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)
	sellerConn := f.join(t, f.seller)
	drain(buyerConn)
	drain(sellerConn)

	f.hub.Dispatch(context.Background(), buyerConn, cmd(t, CmdTyping, map[string]any{"roomId": f.room.ID, "isTyping": true}))
	assert.Empty(t, drain(buyerConn))
	assert.Equal(t, []string{EventUserTyping}, names(drain(sellerConn)))
}

func TestHub_MarkAsReadIsBestEffort(t *testing.T) {
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)

	res, err := f.hub.Handle(context.Background(), buyerConn, cmd(t, CmdMarkAsRead, map[string]any{
		"roomId": f.room.ID, "messageId": uuid.New(),
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestHub_MarkAsReadIgnoresOtherRooms(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)
	drain(buyerConn)

	elsewhere := uuid.New()
	author := uuid.New()
	m, err := message.New(elsewhere, &author, "Olly", "private", message.TypeText, nil)
	require.NoError(t, err)
	require.NoError(t, f.messages.Create(ctx, m))

	res, err := f.hub.Handle(ctx, buyerConn, cmd(t, CmdMarkAsRead, map[string]any{
		"roomId": f.room.ID, "messageId": m.ID,
	}))
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	stored, err := f.messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, stored.Status)
	assert.NotContains(t, stored.ReadBy, f.buyer.UserID)
}

func TestHub_CallSignalling(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)
	sellerConn := f.join(t, f.seller)
	drain(buyerConn)
	drain(sellerConn)
	ref := map[string]any{"roomId": f.room.ID}

	f.hub.Dispatch(ctx, buyerConn, cmd(t, CmdCallUser, map[string]any{"roomId": f.room.ID, "callType": "video"}))
	assert.Equal(t, []string{EventIncomingCall}, names(drain(sellerConn)))
	assert.Empty(t, drain(buyerConn))

	_, err := f.hub.Handle(ctx, sellerConn, cmd(t, CmdCallUser, ref))
	assert.ErrorIs(t, err, ErrCallInProgress)

	// only the caller may cancel
	_, err = f.hub.Handle(ctx, sellerConn, cmd(t, CmdCancelCall, ref))
	assert.ErrorIs(t, err, ErrNoCall)

	f.hub.Dispatch(ctx, sellerConn, cmd(t, CmdAcceptCall, ref))
	assert.Equal(t, []string{EventCallAccepted}, names(drain(buyerConn)))
	state, ok := f.hub.calls.state(f.room.ID)
	require.True(t, ok)
	assert.Equal(t, callActive, state)

	// no cancel after accept
	_, err = f.hub.Handle(ctx, buyerConn, cmd(t, CmdCancelCall, ref))
	assert.ErrorIs(t, err, ErrNoCall)

	f.hub.Dispatch(ctx, buyerConn, cmd(t, CmdOffer, map[string]any{"roomId": f.room.ID, "signal": map[string]string{"sdp": "v=0"}}))
	assert.Equal(t, []string{EventOffer}, names(drain(sellerConn)))

	f.hub.Disconnect(ctx, sellerConn)
	assert.Equal(t, []string{EventCallEnded, EventUserLeft}, names(drain(buyerConn)))
	_, ok = f.hub.calls.state(f.room.ID)
	assert.False(t, ok)
}

func TestHub_UnansweredCalleeDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newHubFixture(t)
	buyerConn := f.join(t, f.buyer)
	sellerConn := f.join(t, f.seller)
	drain(buyerConn)
	drain(sellerConn)

	f.hub.Dispatch(ctx, buyerConn, cmd(t, CmdCallUser, map[string]any{"roomId": f.room.ID}))
	f.hub.Disconnect(ctx, sellerConn)

	assert.Equal(t, []string{EventCallEnded, EventUserLeft}, names(drain(buyerConn)))
	_, ok := f.hub.calls.state(f.room.ID)
	assert.False(t, ok)
}

func TestHub_UnknownCommand(t *testing.T) {
	f := newHubFixture(t)
	c := f.registry.Register(f.buyer)

	f.hub.Dispatch(context.Background(), c, Command{Type: "shout"})
	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Event)
	assert.Contains(t, string(frames[0].Data), "UNKNOWN_COMMAND")
}
