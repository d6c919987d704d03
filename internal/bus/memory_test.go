package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (r *recorder) handle(_ context.Context, event models.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func subscribeAsync(t *testing.T, ctx context.Context, b Bus, h Handler) <-chan error {
	t.Helper()

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, h, func() { close(ready) })
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("subscribe failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("subscription never became ready")
	}
	return done
}

func TestMemoryBus(t *testing.T) {
	t.Run("delivers to every subscriber including the publisher", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := NewMemoryBus()
		var a, c recorder
		subscribeAsync(t, ctx, b, a.handle)
		subscribeAsync(t, ctx, b, c.handle)
		require.Equal(t, 2, b.Subscribers())

		require.NoError(t, b.Publish(ctx, models.StatusEvent{JobID: "j1", Status: models.JobStatusRunning}))
		require.Equal(t, 1, a.count())
		require.Equal(t, 1, c.count())
		require.Equal(t, "j1", a.events[0].JobID)
	})

	t.Run("down breaks subscriptions and publishes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := NewMemoryBus()
		var r recorder
		done := subscribeAsync(t, ctx, b, r.handle)

		b.SetDown(true)
		require.ErrorIs(t, <-done, ErrDown)
		require.ErrorIs(t, b.Publish(ctx, models.StatusEvent{JobID: "j1", Status: models.JobStatusRunning}), ErrDown)
		require.ErrorIs(t, b.Subscribe(ctx, r.handle, func() {}), ErrDown)

		b.SetDown(false)
		subscribeAsync(t, ctx, b, r.handle)
		require.NoError(t, b.Publish(ctx, models.StatusEvent{JobID: "j1", Status: models.JobStatusRunning}))
		require.Equal(t, 1, r.count())
	})

	t.Run("cancel removes subscriber", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		b := NewMemoryBus()
		var r recorder
		done := subscribeAsync(t, ctx, b, r.handle)
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
		require.Equal(t, 0, b.Subscribers())
	})

	t.Run("close", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := NewMemoryBus()
		var r recorder
		done := subscribeAsync(t, ctx, b, r.handle)
		require.NoError(t, b.Close())
		require.ErrorIs(t, <-done, ErrClosed)
		require.ErrorIs(t, b.Publish(ctx, models.StatusEvent{JobID: "j1", Status: models.JobStatusRunning}), ErrClosed)
	})
}
