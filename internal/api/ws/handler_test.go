package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/escrow-hub/escrow-hub/internal/application/auth"
	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/pubsub"
)

type wsFixture struct {
	srv    *httptest.Server
	auth   *auth.Service
	room   *room.Room
	buyer  user.Actor
	seller user.Actor
}

func newWSFixture(t *testing.T) *wsFixture {
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

	registry := realtime.NewRegistry(32, zerolog.Nop())
	broker := pubsub.NewLocalBroker(registry)
	hub := realtime.NewHub(rooms, memory.NewMessageRepository(), registry, broker, 50, zerolog.Nop())
	authSvc := auth.NewService([]byte("test-secret"), "escrow-hub", time.Hour, zerolog.Nop())

	srv := httptest.NewServer(NewHandler(authSvc, hub, registry, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, auth: authSvc, room: r, buyer: buyer, seller: seller}
}

func (f *wsFixture) dial(t *testing.T, actor user.Actor) *websocket.Conn {
	t.Helper()
	token, err := f.auth.IssueToken(actor)
	require.NoError(t, err)
	conn, err := websocket.Dial(f.wsURL()+"?token="+token, "", f.srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(conn, realtime.Command{Type: event, Payload: payload}))
}

// expect reads frames until one named event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) realtime.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f realtime.Frame
		require.NoError(t, websocket.JSON.Receive(conn, &f), "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	f := newWSFixture(t)

	_, err := websocket.Dial(f.wsURL(), "", f.srv.URL)
	assert.Error(t, err)

	_, err = websocket.Dial(f.wsURL()+"?token=garbage", "", f.srv.URL)
	assert.Error(t, err)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAndChat(t *testing.T) {
	f := newWSFixture(t)
	buyer := f.dial(t, f.buyer)
	seller := f.dial(t, f.seller)

	send(t, buyer, realtime.CmdJoinRoom, map[string]any{"roomId": f.room.ID})
	joined := expect(t, buyer, realtime.EventRoomJoined)
	assert.Contains(t, string(joined.Data), f.room.ID.String())

	send(t, seller, realtime.CmdJoinRoom, map[string]any{"roomId": f.room.ID})
	expect(t, seller, realtime.EventRoomJoined)
	expect(t, buyer, realtime.EventUserJoined)

	send(t, seller, realtime.CmdSendMessage, map[string]any{
		"roomId":  f.room.ID,
		"content": "first draft is up",
	})
	got := expect(t, buyer, realtime.EventNewMessage)
	var msg struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "first draft is up", msg.Content)
	assert.Equal(t, "SENT", msg.Status)
}

func TestJoinRejectsOutsider(t *testing.T) {
	f := newWSFixture(t)
	outsider := f.dial(t, user.Actor{UserID: uuid.New(), Name: "Eve", Role: user.RoleUser})

	send(t, outsider, realtime.CmdJoinRoom, map[string]any{"roomId": f.room.ID})
	frame := expect(t, outsider, realtime.EventError)
	assert.Contains(t, string(frame.Data), "ACCESS_DENIED")
}

func TestBadFramesGetErrorReplies(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, f.buyer)

	_, err := conn.Write([]byte("{not json"))
	require.NoError(t, err)
	frame := expect(t, conn, realtime.EventError)
	assert.Contains(t, string(frame.Data), "INVALID_FRAME")

	send(t, conn, "dance", map[string]any{})
	frame = expect(t, conn, realtime.EventError)
	assert.Contains(t, string(frame.Data), "UNKNOWN_COMMAND")
}

func TestFrameFloodClosesSocket(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, f.buyer)
	send(t, conn, realtime.CmdJoinRoom, map[string]any{"roomId": f.room.ID})
	expect(t, conn, realtime.EventRoomJoined)

	// typing is not echoed to the sender, so the only reply is the limit error
	payload, err := json.Marshal(map[string]any{"roomId": f.room.ID, "isTyping": true})
	require.NoError(t, err)
	for i := 0; i < frameBurst*3; i++ {
		if err := websocket.JSON.Send(conn, realtime.Command{Type: realtime.CmdTyping, Payload: payload}); err != nil {
			break
		}
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	limited := false
	for !limited {
		var frame realtime.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			break
		}
		limited = frame.Event == realtime.EventError && strings.Contains(string(frame.Data), "RATE_LIMITED")
	}
	assert.True(t, limited)

	var frame realtime.Frame
	assert.Error(t, websocket.JSON.Receive(conn, &frame), "socket is closed after the limit")
}
