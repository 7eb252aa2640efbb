// Package pubsub routes realtime events between domain services and the
// socket registries of every running process.
package pubsub

import (
	"context"
	"sync"

	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
)

// LocalBroker delivers events to in-process sinks only.
type LocalBroker struct {
	mu    sync.RWMutex
	sinks []realtime.Sink
}

func NewLocalBroker(sinks ...realtime.Sink) *LocalBroker {
	return &LocalBroker{sinks: sinks}
}

func (b *LocalBroker) Subscribe(s realtime.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *LocalBroker) Publish(ctx context.Context, ev realtime.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.deliver(ev)
	return nil
}

func (b *LocalBroker) deliver(ev realtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Deliver(ev)
	}
}
