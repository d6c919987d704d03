package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
)

type memorySubscriber struct {
	handler Handler
	ctx     context.Context
	failed  chan struct{}
}

// MemoryBus is an in-process Bus. Several hubs sharing one MemoryBus behave like
// several instances sharing a broker, and SetDown simulates an outage.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscriber]struct{}
	down   bool
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySubscriber]struct{}),
	}
}

// Name implements Bus.
func (b *MemoryBus) Name() string { return "memory" }

// SetDown breaks every active subscription and fails publishes until cleared.
func (b *MemoryBus) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = down
	if !down {
		return
	}
	for sub := range b.subs {
		close(sub.failed)
		delete(b.subs, sub)
	}
	log.Warn().Str("bus", b.Name()).Msg("Memory bus marked down")
}

// Subscribers returns the number of established subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish implements Bus. Handlers run on the caller's goroutine.
func (b *MemoryBus) Publish(_ context.Context, event models.StatusEvent) error {
	// round trip through the codec so tests see what a real backend delivers
	data, err := Encode("memory", event)
	if err != nil {
		return err
	}
	decoded, _, err := Decode(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.down {
		b.mu.Unlock()
		return ErrDown
	}
	subs := make([]*memorySubscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(sub.ctx, decoded)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler, ready func()) error {
	sub := &memorySubscriber{handler: handler, ctx: ctx, failed: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.down {
		b.mu.Unlock()
		return ErrDown
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	ready()

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		return ctx.Err()
	case <-sub.failed:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return ErrClosed
		}
		return ErrDown
	}
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.failed)
		delete(b.subs, sub)
	}
	return nil
}
