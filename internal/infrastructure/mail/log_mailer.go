// Package mail holds outbound email senders.
package mail

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// LogMailer writes emails to the log instead of sending them. The body is
// omitted since it may carry payout details.
type LogMailer struct {
	logger zerolog.Logger
}

func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) Send(ctx context.Context, email notification.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info().
		Str("from", email.From).
		Str("to", email.To).
		Str("subject", email.Subject).
		Int("bodyBytes", len(email.Body)).
		Msg("email")
	return nil
}
