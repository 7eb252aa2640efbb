package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
)

const (
	DefaultChannel = "escrow_events"
	// maxNotifyPayload stays under the 8000 byte NOTIFY limit.
	maxNotifyPayload = 7900
)

// PostgresBroker fans events out to every process through LISTEN/NOTIFY.
// Events too large for a notification are delivered to local sinks only.
type PostgresBroker struct {
	local   *LocalBroker
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
}

func NewPostgresBroker(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *PostgresBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresBroker{
		local:   NewLocalBroker(),
		pool:    pool,
		channel: channel,
		logger:  logger.With().Str("component", "pg-broker").Logger(),
	}
}

func (b *PostgresBroker) Subscribe(s realtime.Sink) {
	b.local.Subscribe(s)
}

func (b *PostgresBroker) Publish(ctx context.Context, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if len(data) > maxNotifyPayload {
		b.logger.Warn().Str("event", ev.Name).Int("size", len(data)).Msg("event too large for notify, delivering locally")
		b.local.deliver(ev)
		return nil
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(data)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Run listens until ctx is cancelled, reconnecting with backoff.
func (b *PostgresBroker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := b.listen(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		b.logger.Warn().Err(err).Dur("retryIn", wait).Msg("listener stopped, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *PostgresBroker) listen(ctx context.Context, bo backoff.BackOff) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+b.channel); err != nil {
		return err
	}
	bo.Reset()
	b.logger.Info().Str("channel", b.channel).Msg("listening for events")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev realtime.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			b.logger.Warn().Err(err).Msg("discarding malformed event")
			continue
		}
		if ev.Name == "" {
			b.logger.Warn().Err(errors.New("missing event name")).Msg("discarding malformed event")
			continue
		}
		b.local.deliver(ev)
	}
}
