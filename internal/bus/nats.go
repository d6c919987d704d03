package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
)

const flushTimeout = 5 * time.Second

// NatsConfig holds the NATS connection settings.
type NatsConfig struct {
	ServerURI           string
	Subject             string
	ConnectTimeout      time.Duration
	MaxReconnectAttempt int
	ReconnectWait       time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *NatsConfig) ApplyDefaults() {
	if c.ServerURI == "" {
		c.ServerURI = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultChannel
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempt == 0 {
		c.MaxReconnectAttempt = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// NatsBus uses core NATS publish/subscribe. Core subjects fan out to every
// subscriber, which is the broadcast the gateway needs.
type NatsBus struct {
	nc      *nats.Conn
	subject string
	origin  string

	mu       sync.Mutex
	watchers map[chan error]struct{}
}

var _ Bus = (*NatsBus)(nil)

// NewNatsBus connects to NATS. The client keeps retrying in the background, so an
// unreachable server does not fail construction.
func NewNatsBus(cfg NatsConfig, origin string) (*NatsBus, error) {
	cfg.ApplyDefaults()

	b := &NatsBus{
		subject:  cfg.Subject,
		origin:   origin,
		watchers: make(map[chan error]struct{}),
	}

	nc, err := nats.Connect(
		cfg.ServerURI,
		nats.Name("simstream-"+origin),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnectAttempt),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("bus", "nats").Msg("NATS connection lost")
			b.notifyWatchers(fmt.Errorf("%w: nats disconnected: %v", ErrDown, err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Str("bus", "nats").Msg("NATS connection re-established")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("bus", "nats").Msg("NATS connection closed")
			b.notifyWatchers(ErrClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", cfg.ServerURI, err)
	}
	b.nc = nc

	return b, nil
}

// Name implements Bus.
func (b *NatsBus) Name() string { return "nats" }

func (b *NatsBus) notifyWatchers(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		select {
		case ch <- err:
		default:
		}
	}
}

// Publish implements Bus.
func (b *NatsBus) Publish(_ context.Context, event models.StatusEvent) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("%w: nats status %s", ErrDown, b.nc.Status())
	}

	payload, err := Encode(b.origin, event)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrDown, err)
	}
	return nil
}

// Subscribe implements Bus. A disconnect ends the subscription so the supervisor
// reports the outage; the next attempt succeeds once the client has reconnected.
func (b *NatsBus) Subscribe(ctx context.Context, handler Handler, ready func()) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("%w: nats status %s", ErrDown, b.nc.Status())
	}

	failed := make(chan error, 1)
	b.mu.Lock()
	b.watchers[failed] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.watchers, failed)
		b.mu.Unlock()
	}()

	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		event, origin, err := Decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("bus", b.Name()).Msg("Dropping undecodable status event")
			return
		}
		log.Debug().Str("bus", b.Name()).Str("job_id", event.JobID).Str("origin", origin).Msg("Received status event")
		handler(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrDown, b.subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", b.subject).Msg("Error unsubscribing")
		}
	}()

	// make sure the server has registered interest before reporting ready
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrDown, err)
	}

	log.Info().Str("bus", b.Name()).Str("subject", b.subject).Msg("Subscribed to status events")
	ready()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

// Close implements Bus.
func (b *NatsBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}
