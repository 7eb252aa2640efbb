// Package ws is the socket transport of the realtime hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

const (
	maxFrameBytes        = 64 << 10
	maxFramesPerSecond   = 30
	frameBurst           = 30
	maxDecodeErrors      = 5
	defaultWriteDeadline = 10 * time.Second
)

var (
	errBadFrame    = apperr.New(apperr.KindValidation, "INVALID_FRAME", "invalid frame payload")
	errRateLimited = apperr.New(apperr.KindValidation, "RATE_LIMITED", "too many frames")
)

// Authenticator verifies the bearer token presented on the handshake.
type Authenticator interface {
	Authenticate(token string) (user.Actor, error)
}

// Handler upgrades authenticated requests and pumps frames between the
// socket and the hub.
type Handler struct {
	auth     Authenticator
	hub      *realtime.Hub
	registry *realtime.Registry
	logger   zerolog.Logger
}

func NewHandler(auth Authenticator, hub *realtime.Hub, registry *realtime.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		auth:     auth,
		hub:      hub,
		registry: registry,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

type actorKey struct{}

// ServeHTTP rejects the handshake with 401 before upgrading when the token
// is missing or invalid.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, err := h.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		h.logger.Debug().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("socket handshake rejected")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), actorKey{}, actor))
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func tokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) serve(ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()
	ws.MaxPayloadBytes = maxFrameBytes

	actor, ok := ws.Request().Context().Value(actorKey{}).(user.Actor)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	conn := h.registry.Register(actor)
	log := h.logger.With().Str("connId", conn.ID).Str("userId", actor.UserID.String()).Logger()
	log.Debug().Msg("socket connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(ws, conn, cancel)
	}()

	h.readLoop(ctx, ws, conn, log)

	// Disconnect closes conn.Send, which ends the write loop.
	h.hub.Disconnect(context.WithoutCancel(ctx), conn)
	wg.Wait()
	log.Debug().Msg("socket closed")
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *realtime.Conn, log zerolog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), frameBurst)
	decodeErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}
		var cmd realtime.Command
		if err := websocket.JSON.Receive(ws, &cmd); err != nil {
			if !isDecodeError(err) {
				return
			}
			decodeErrors++
			h.registry.SendTo(conn.ID, realtime.ErrorFrame(errBadFrame))
			if decodeErrors >= maxDecodeErrors {
				log.Warn().Msg("closing socket after repeated bad frames")
				return
			}
			continue
		}
		decodeErrors = 0

		if !limiter.Allow() {
			h.registry.SendTo(conn.ID, realtime.ErrorFrame(errRateLimited))
			log.Warn().Msg("closing socket over frame rate")
			return
		}

		h.hub.Dispatch(ctx, conn, cmd)
	}
}

func (h *Handler) writeLoop(ws *websocket.Conn, conn *realtime.Conn, cancel context.CancelFunc) {
	failed := false
	for f := range conn.Send {
		if failed {
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
		if err := websocket.JSON.Send(ws, f); err != nil {
			// keep draining until the registry closes the channel
			failed = true
			cancel()
			_ = ws.Close()
		}
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
