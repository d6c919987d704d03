package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SupervisorConfig controls resubscription backoff.
type SupervisorConfig struct {
	// InitialInterval default: 500ms
	InitialInterval time.Duration
	// MaxInterval default: 30s
	MaxInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *SupervisorConfig) ApplyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

// Supervisor keeps a bus subscription alive and tracks whether it is established.
type Supervisor struct {
	bus     Bus
	handler Handler
	cfg     SupervisorConfig

	connected atomic.Bool

	mu        sync.Mutex
	listeners []func(connected bool)
}

// NewSupervisor creates a supervisor delivering bus events to handler.
func NewSupervisor(b Bus, handler Handler, cfg SupervisorConfig) *Supervisor {
	cfg.ApplyDefaults()
	return &Supervisor{bus: b, handler: handler, cfg: cfg}
}

// Bus returns the supervised bus.
func (s *Supervisor) Bus() Bus { return s.bus }

// Connected reports whether the subscription is currently established.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// OnStateChange registers fn to be called on every connected/disconnected transition.
func (s *Supervisor) OnStateChange(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supervisor) setConnected(ctx context.Context, connected bool) {
	if s.connected.Swap(connected) == connected {
		return
	}

	telemetry.GetMetrics().BusStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bus", s.bus.Name()),
		attribute.Bool("connected", connected),
	))

	if connected {
		log.Info().Str("bus", s.bus.Name()).Msg("Bus subscription established")
	} else {
		log.Warn().Str("bus", s.bus.Name()).Msg("Bus subscription lost, degraded polling takes over")
	}

	s.mu.Lock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

// Run subscribes until ctx is done, resubscribing with exponential backoff after
// every failure.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval

	for {
		err := s.bus.Subscribe(ctx, s.handler, func() {
			b.Reset()
			s.setConnected(ctx, true)
		})
		s.setConnected(context.WithoutCancel(ctx), false)

		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		log.Warn().
			Err(err).
			Str("bus", s.bus.Name()).
			Dur("retry_in", wait).
			Msg("Bus subscription failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
