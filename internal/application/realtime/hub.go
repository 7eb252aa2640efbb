package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
)

// Client to server command names.
const (
	CmdJoinRoom     = "join_room"
	CmdLeaveRoom    = "leave_room"
	CmdSendMessage  = "send_message"
	CmdMessageAck   = "message_ack"
	CmdMarkAsRead   = "mark_as_read"
	CmdTyping       = "typing"
	CmdCallUser     = "call_user"
	CmdAcceptCall   = "accept_call"
	CmdDeclineCall  = "decline_call"
	CmdCancelCall   = "cancel_call"
	CmdEndCall      = "end_call"
	CmdOffer        = "offer"
	CmdAnswer       = "answer"
	CmdICECandidate = "ice_candidate"
)

const DefaultHistoryLimit = 50

var (
	ErrUnknownCommand = apperr.New(apperr.KindValidation, "UNKNOWN_COMMAND", "unknown command")
	ErrNotJoined      = apperr.New(apperr.KindAuthorization, "NOT_JOINED", "join the room first")
	ErrCallInProgress = apperr.New(apperr.KindStateConflict, "CALL_IN_PROGRESS", "a call is already ringing or active in this room")
	ErrNoCall         = apperr.New(apperr.KindStateConflict, "NO_CALL", "no matching call in this room")
)

// Command is one decoded client frame.
type Command struct {
	Type    string          `json:"event"`
	Payload json.RawMessage `json:"data"`
}

// Result is what a handler produces: an optional reply to the caller and
// events for the broker.
type Result struct {
	Reply  *Frame
	Events []Event
}

type roomRef struct {
	RoomID uuid.UUID `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID      uuid.UUID    `json:"roomId"`
	Content     string       `json:"content"`
	MessageType message.Type `json:"messageType"`
	Attachments []string     `json:"attachments"`
}

type messageRef struct {
	RoomID    uuid.UUID `json:"roomId"`
	MessageID uuid.UUID `json:"messageId"`
}

type typingPayload struct {
	RoomID   uuid.UUID `json:"roomId"`
	IsTyping bool      `json:"isTyping"`
}

type callPayload struct {
	RoomID   uuid.UUID       `json:"roomId"`
	CallType string          `json:"callType,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// Hub executes socket commands against the stores and publishes the
// resulting events. Handlers are safe for concurrent use.
type Hub struct {
	rooms        room.Repository
	messages     message.Repository
	registry     *Registry
	publisher    Publisher
	historyLimit int
	calls        *callBook
	logger       zerolog.Logger
}

func NewHub(
	rooms room.Repository,
	messages message.Repository,
	registry *Registry,
	publisher Publisher,
	historyLimit int,
	logger zerolog.Logger,
) *Hub {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Hub{
		rooms:        rooms,
		messages:     messages,
		registry:     registry,
		publisher:    publisher,
		historyLimit: historyLimit,
		calls:        newCallBook(),
		logger:       logger.With().Str("service", "realtime").Logger(),
	}
}

// Dispatch runs a command for conn, writes the reply or an error frame to
// it and publishes the events.
func (h *Hub) Dispatch(ctx context.Context, conn *Conn, cmd Command) {
	h.registry.Touch(conn.ID)
	res, err := h.Handle(ctx, conn, cmd)
	if err != nil {
		h.logger.Debug().Err(err).
			Str("connId", conn.ID).
			Str("command", cmd.Type).
			Msg("command rejected")
		h.registry.SendTo(conn.ID, ErrorFrame(err))
		return
	}
	if res.Reply != nil {
		h.registry.SendTo(conn.ID, *res.Reply)
	}
	h.publish(ctx, res.Events...)
}

// Handle executes one command without side effects on the transport.
func (h *Hub) Handle(ctx context.Context, conn *Conn, cmd Command) (Result, error) {
	switch cmd.Type {
	case CmdJoinRoom:
		var p roomRef
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.joinRoom(ctx, conn, p.RoomID)
	case CmdLeaveRoom:
		var p roomRef
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.leaveRoom(conn, p.RoomID)
	case CmdSendMessage:
		var p sendMessagePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.sendMessage(ctx, conn, p)
	case CmdMessageAck:
		var p messageRef
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.ackMessage(ctx, conn, p)
	case CmdMarkAsRead:
		var p messageRef
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.markAsRead(ctx, conn, p), nil
	case CmdTyping:
		var p typingPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.typing(conn, p)
	case CmdCallUser, CmdAcceptCall, CmdDeclineCall, CmdCancelCall, CmdEndCall, CmdOffer, CmdAnswer, CmdICECandidate:
		var p callPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		return h.call(ctx, conn, cmd.Type, p)
	}
	return Result{}, ErrUnknownCommand
}

// Disconnect unregisters conn, tears down its calls and tells the rooms.
func (h *Hub) Disconnect(ctx context.Context, conn *Conn) {
	rooms := h.registry.Unregister(conn.ID)
	var events []Event
	online := func(roomID uuid.UUID) bool {
		return h.registry.UserOnline(roomID, conn.Actor.UserID)
	}
	for _, c := range h.calls.dropConn(conn.ID, conn.Actor.UserID, online) {
		peer := c.peerOf(conn.Actor.UserID)
		events = append(events, mustEvent(EventCallEnded, Audience{RoomID: &c.RoomID, UserID: &peer}, map[string]any{
			"roomId": c.RoomID,
			"from":   conn.Actor.UserID,
			"reason": "disconnected",
		}))
	}
	for _, roomID := range rooms {
		if h.registry.UserOnline(roomID, conn.Actor.UserID) {
			continue
		}
		events = append(events, h.presence(EventUserLeft, conn, roomID))
	}
	h.publish(ctx, events...)
}

func (h *Hub) joinRoom(ctx context.Context, conn *Conn, roomID uuid.UUID) (Result, error) {
	r, err := h.loadMembership(ctx, conn, roomID)
	if err != nil {
		return Result{}, err
	}
	h.registry.Join(conn.ID, r.ID)

	history, err := h.messages.List(ctx, r.ID, nil, h.historyLimit)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	changed, err := h.messages.MarkRoomRead(ctx, r.ID, conn.Actor.UserID, now)
	if err != nil {
		h.logger.Warn().Err(err).Str("roomId", r.ID.String()).Msg("failed to mark room read")
	}
	readIDs := make(map[uuid.UUID]struct{}, len(changed))
	events := make([]Event, 0, len(changed)+1)
	reader := conn.Actor.UserID
	for _, m := range changed {
		readIDs[m.ID] = struct{}{}
		events = append(events, mustEvent(EventMessageStatusUpdate, ToRoom(r.ID).ExceptConn(conn.ID), MessageStatus{
			RoomID: r.ID, MessageID: m.ID, Status: m.Status, ReadBy: &reader, At: now,
		}))
	}
	for _, m := range history {
		if _, ok := readIDs[m.ID]; ok {
			m.MarkReadBy(reader, now)
		}
	}
	events = append(events, h.presence(EventUserJoined, conn, r.ID))

	reply := mustEvent(EventRoomJoined, Audience{}, map[string]any{
		"roomId":   r.ID,
		"room":     r.ViewFor(conn.Actor.UserID, conn.Actor.IsAdmin()),
		"messages": history,
	}).Frame()
	return Result{Reply: &reply, Events: events}, nil
}

func (h *Hub) leaveRoom(conn *Conn, roomID uuid.UUID) (Result, error) {
	if !h.registry.Leave(conn.ID, roomID) {
		return Result{}, ErrNotJoined
	}
	var events []Event
	if c := h.calls.endFor(roomID, conn.Actor.UserID); c != nil {
		peer := c.peerOf(conn.Actor.UserID)
		events = append(events, mustEvent(EventCallEnded, Audience{RoomID: &roomID, UserID: &peer}, map[string]any{
			"roomId": roomID, "from": conn.Actor.UserID, "reason": "left",
		}))
	}
	if !h.registry.UserOnline(roomID, conn.Actor.UserID) {
		events = append(events, h.presence(EventUserLeft, conn, roomID))
	}
	return Result{Events: events}, nil
}

func (h *Hub) sendMessage(ctx context.Context, conn *Conn, p sendMessagePayload) (Result, error) {
	if p.MessageType == "" {
		p.MessageType = message.TypeText
	}
	if !message.UserType(p.MessageType) {
		return Result{}, apperr.Validation("messageType must be TEXT or FILE")
	}
	// Membership can change between join and send.
	if _, err := h.loadMembership(ctx, conn, p.RoomID); err != nil {
		return Result{}, err
	}
	sender := conn.Actor.UserID
	m, err := message.New(p.RoomID, &sender, conn.Actor.Name, p.Content, p.MessageType, p.Attachments)
	if err != nil {
		return Result{}, err
	}
	if err := h.messages.Create(ctx, m); err != nil {
		return Result{}, err
	}
	return Result{Events: []Event{NewMessageEvent(m)}}, nil
}

func (h *Hub) ackMessage(ctx context.Context, conn *Conn, p messageRef) (Result, error) {
	if !conn.InRoom(p.RoomID) {
		return Result{}, ErrNotJoined
	}
	m, err := h.messages.GetByID(ctx, p.MessageID)
	if err != nil {
		return Result{}, err
	}
	if m == nil || m.RoomID != p.RoomID {
		return Result{}, message.ErrNotFound
	}
	if m.IsFrom(conn.Actor.UserID) {
		return Result{}, nil
	}
	m, changed, err := h.messages.MarkDelivered(ctx, m.ID)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{}, nil
	}
	ev := mustEvent(EventMessageStatusUpdate, ToRoom(p.RoomID), MessageStatus{
		RoomID: p.RoomID, MessageID: m.ID, Status: m.Status, At: time.Now().UTC(),
	})
	return Result{Events: []Event{ev}}, nil
}

// markAsRead is best effort: failures are logged, never returned.
func (h *Hub) markAsRead(ctx context.Context, conn *Conn, p messageRef) Result {
	log := h.logger.With().Str("roomId", p.RoomID.String()).Str("messageId", p.MessageID.String()).Logger()
	if !conn.InRoom(p.RoomID) {
		log.Debug().Msg("read receipt for a room not joined")
		return Result{}
	}
	m, err := h.messages.GetByID(ctx, p.MessageID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load message for read receipt")
		return Result{}
	}
	if m == nil || m.RoomID != p.RoomID {
		log.Debug().Msg("read receipt for a message outside the room")
		return Result{}
	}
	now := time.Now().UTC()
	m, changed, err := h.messages.MarkRead(ctx, m.ID, conn.Actor.UserID, now)
	if err != nil {
		log.Warn().Err(err).Msg("failed to mark message read")
		return Result{}
	}
	if m == nil || !changed {
		return Result{}
	}
	reader := conn.Actor.UserID
	ev := mustEvent(EventMessageStatusUpdate, ToRoom(p.RoomID).ExceptUser(reader), MessageStatus{
		RoomID: p.RoomID, MessageID: m.ID, Status: m.Status, ReadBy: &reader, At: now,
	})
	return Result{Events: []Event{ev}}
}

func (h *Hub) typing(conn *Conn, p typingPayload) (Result, error) {
	if !conn.InRoom(p.RoomID) {
		return Result{}, ErrNotJoined
	}
	ev := mustEvent(EventUserTyping, ToRoom(p.RoomID).ExceptUser(conn.Actor.UserID), map[string]any{
		"roomId":   p.RoomID,
		"userId":   conn.Actor.UserID,
		"userName": conn.Actor.Name,
		"isTyping": p.IsTyping,
	})
	return Result{Events: []Event{ev}}, nil
}

func (h *Hub) call(ctx context.Context, conn *Conn, cmd string, p callPayload) (Result, error) {
	if !conn.InRoom(p.RoomID) {
		return Result{}, ErrNotJoined
	}
	me := conn.Actor.UserID
	payload := map[string]any{
		"roomId":   p.RoomID,
		"from":     me,
		"fromName": conn.Actor.Name,
	}

	var (
		name string
		peer uuid.UUID
	)
	switch cmd {
	case CmdCallUser:
		r, err := h.loadMembership(ctx, conn, p.RoomID)
		if err != nil {
			return Result{}, err
		}
		other := r.Counterpart(me)
		if other == nil {
			return Result{}, room.ErrParticipantsMissing
		}
		if err := h.calls.ring(p.RoomID, me, conn.ID, other.UserID); err != nil {
			return Result{}, err
		}
		name, peer = EventIncomingCall, other.UserID
		payload["callType"] = strings.ToLower(strings.TrimSpace(p.CallType))
	case CmdAcceptCall:
		c, err := h.calls.accept(p.RoomID, me, conn.ID)
		if err != nil {
			return Result{}, err
		}
		name, peer = EventCallAccepted, c.CallerID
	case CmdDeclineCall:
		c, err := h.calls.decline(p.RoomID, me)
		if err != nil {
			return Result{}, err
		}
		name, peer = EventCallDeclined, c.CallerID
		payload["reason"] = p.Reason
	case CmdCancelCall:
		c, err := h.calls.cancel(p.RoomID, me)
		if err != nil {
			return Result{}, err
		}
		name, peer = EventCallCancelled, c.CalleeID
	case CmdEndCall:
		c := h.calls.endFor(p.RoomID, me)
		if c == nil {
			return Result{}, ErrNoCall
		}
		name, peer = EventCallEnded, c.peerOf(me)
		payload["reason"] = p.Reason
	case CmdOffer, CmdAnswer, CmdICECandidate:
		c := h.calls.find(p.RoomID, me)
		if c == nil {
			return Result{}, ErrNoCall
		}
		name, peer = cmd, c.peerOf(me)
		payload["signal"] = p.Signal
	}
	ev := mustEvent(name, Audience{RoomID: &p.RoomID, UserID: &peer}, payload)
	return Result{Events: []Event{ev}}, nil
}

// loadMembership re-reads the room and checks conn is the buyer or seller.
func (h *Hub) loadMembership(ctx context.Context, conn *Conn, roomID uuid.UUID) (*room.Room, error) {
	if roomID == uuid.Nil {
		return nil, apperr.Validation("roomId is required")
	}
	r, err := h.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, room.ErrNotFound
	}
	if !r.IsMember(conn.Actor.UserID) {
		return nil, apperr.ErrAccessDenied
	}
	return r, nil
}

func (h *Hub) presence(name string, conn *Conn, roomID uuid.UUID) Event {
	return mustEvent(name, ToRoom(roomID).ExceptUser(conn.Actor.UserID), map[string]any{
		"roomId":   roomID,
		"userId":   conn.Actor.UserID,
		"userName": conn.Actor.Name,
	})
}

func (h *Hub) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if err := h.publisher.Publish(ctx, ev); err != nil {
			h.logger.Warn().Err(err).Str("event", ev.Name).Msg("failed to publish event")
		}
	}
}

// ErrorFrame renders err as an error({message, code}) frame.
func ErrorFrame(err error) Frame {
	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	return mustEvent(EventError, Audience{}, map[string]string{
		"message": msg,
		"code":    apperr.CodeOf(err),
	}).Frame()
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("malformed payload")
	}
	return nil
}

type callState string

const (
	callRinging callState = "RINGING"
	callActive  callState = "ACTIVE"
)

type call struct {
	RoomID     uuid.UUID
	CallerID   uuid.UUID
	CallerConn string
	CalleeID   uuid.UUID
	CalleeConn string
	State      callState
	StartedAt  time.Time
}

func (c *call) peerOf(userID uuid.UUID) uuid.UUID {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

func (c *call) involves(userID uuid.UUID) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// callBook holds at most one ringing or active call per room.
type callBook struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*call
}

func newCallBook() *callBook {
	return &callBook{calls: make(map[uuid.UUID]*call)}
}

func (b *callBook) ring(roomID, caller uuid.UUID, callerConn string, callee uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calls[roomID]; ok {
		return ErrCallInProgress
	}
	b.calls[roomID] = &call{
		RoomID:     roomID,
		CallerID:   caller,
		CallerConn: callerConn,
		CalleeID:   callee,
		State:      callRinging,
		StartedAt:  time.Now().UTC(),
	}
	return nil
}

func (b *callBook) accept(roomID, callee uuid.UUID, calleeConn string) (call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok || c.CalleeID != callee || c.State != callRinging {
		return call{}, ErrNoCall
	}
	c.State = callActive
	c.CalleeConn = calleeConn
	return *c, nil
}

func (b *callBook) decline(roomID, callee uuid.UUID) (call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok || c.CalleeID != callee || c.State != callRinging {
		return call{}, ErrNoCall
	}
	delete(b.calls, roomID)
	return *c, nil
}

// cancel is only allowed for the caller before the callee accepts.
func (b *callBook) cancel(roomID, caller uuid.UUID) (call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok || c.CallerID != caller || c.State != callRinging {
		return call{}, ErrNoCall
	}
	delete(b.calls, roomID)
	return *c, nil
}

func (b *callBook) endFor(roomID, userID uuid.UUID) *call {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok || !c.involves(userID) {
		return nil
	}
	delete(b.calls, roomID)
	return c
}

func (b *callBook) find(roomID, userID uuid.UUID) *call {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok || !c.involves(userID) {
		return nil
	}
	cp := *c
	return &cp
}

func (b *callBook) state(roomID uuid.UUID) (callState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[roomID]
	if !ok {
		return "", false
	}
	return c.State, true
}

// dropConn removes the calls a closed connection took part in. A callee that
// has not answered yet is matched by user once no other connection of theirs
// remains in the room.
func (b *callBook) dropConn(connID string, userID uuid.UUID, online func(roomID uuid.UUID) bool) []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []call
	for roomID, c := range b.calls {
		unanswered := c.CalleeConn == "" && c.CalleeID == userID && !online(roomID)
		if c.CallerConn == connID || c.CalleeConn == connID || unanswered {
			out = append(out, *c)
			delete(b.calls, roomID)
		}
	}
	return out
}
