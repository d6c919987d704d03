package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	msgs   []Message
	limit  int
	closed bool
}

func newFakeSender() *fakeSender { return &fakeSender{} }

func (s *fakeSender) Enqueue(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.limit > 0 && len(s.msgs) >= s.limit {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSender) ofType(msgType string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) count(msgType string) int {
	return len(s.ofType(msgType))
}

func newTestHub(t *testing.T, st store.JobStore, b bus.Bus, pollInterval time.Duration) *Hub {
	t.Helper()

	h, err := New(Config{
		Store:        st,
		Bus:          b,
		PollInterval: pollInterval,
		Supervisor: bus.SupervisorConfig{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return h
}

// runHub starts h in the background and stops it when the test ends.
func runHub(t *testing.T, h *Hub) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
}
