package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

// Service sends best-effort email. Failures are logged and retried in the
// background; they never reach the caller.
type Service struct {
	mailer     notification.Mailer
	from       string
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewService creates a notification service.
func NewService(mailer notification.Mailer, from string, logger zerolog.Logger) *Service {
	return &Service{
		mailer: mailer,
		from:   from,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
		logger: logger.With().Str("service", "notification").Logger(),
	}
}

// Notify queues one email. An empty recipient is skipped.
func (s *Service) Notify(ctx context.Context, kind notification.Kind, roomID uuid.UUID, to, subject, body string) {
	if to == "" {
		return
	}
	n, err := notification.NewNotification(kind, roomID, notification.Email{
		From:    s.from,
		To:      to,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Str("roomId", roomID.String()).Msg("notification skipped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Deliver(context.WithoutCancel(ctx), n)
	}()
}

// Wait blocks until queued deliveries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Deliver sends n, retrying up to its MaxRetries attempts.
func (s *Service) Deliver(ctx context.Context, n *notification.Notification) error {
	log := s.logger.With().
		Str("notificationId", n.ID.String()).
		Str("kind", string(n.Kind)).
		Str("roomId", n.RoomID.String()).
		Logger()

	op := func() error {
		err := s.mailer.Send(ctx, n.Email)
		if err == nil {
			return n.MarkSent()
		}
		if markErr := n.MarkFailed(err.Error()); markErr != nil {
			return backoff.Permanent(markErr)
		}
		if resetErr := n.ResetForRetry(); resetErr != nil {
			return backoff.Permanent(err)
		}
		log.Debug().Err(err).Int("attempt", n.RetryCount).Msg("email send failed, retrying")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil {
		if n.Status == notification.StatusPending {
			_ = n.MarkFailed(err.Error())
		}
		log.Error().Err(err).Int("retryCount", n.RetryCount).Msg("email delivery failed")
		return fmt.Errorf("deliver notification: %w", err)
	}
	log.Info().Msg("email sent")
	return nil
}
