package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/message"
)

// Poster stores chat records produced by domain services and publishes them
// to the room. Publishing is fire-and-forget; persistence is not.
type Poster struct {
	messages  message.Repository
	publisher Publisher
	logger    zerolog.Logger
}

func NewPoster(messages message.Repository, publisher Publisher, logger zerolog.Logger) *Poster {
	return &Poster{
		messages:  messages,
		publisher: publisher,
		logger:    logger.With().Str("component", "poster").Logger(),
	}
}

// Post persists m and emits new_message.
func (p *Poster) Post(ctx context.Context, m *message.Message) error {
	if err := p.messages.Create(ctx, m); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	p.Publish(ctx, NewMessageEvent(m))
	return nil
}

// Publish sends ev and logs a failure instead of returning it.
func (p *Poster) Publish(ctx context.Context, ev Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Str("event", ev.Name).Msg("failed to publish event")
	}
}

// Announce posts a server-authored record and only logs a failure.
func (p *Poster) Announce(ctx context.Context, m *message.Message) {
	if err := p.Post(ctx, m); err != nil {
		p.logger.Warn().Err(err).Str("roomId", m.RoomID.String()).Str("messageType", string(m.Type)).Msg("failed to post message")
	}
}
