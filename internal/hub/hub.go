// Package hub multiplexes job status events onto authenticated client connections.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/snapshot"
	"github.com/wolfeidau/simstream/internal/store"
	"golang.org/x/sync/errgroup"
)

// Config wires a Hub to its collaborators.
type Config struct {
	Store store.JobStore
	Bus   bus.Bus

	Snapshot   snapshot.Config
	Supervisor bus.SupervisorConfig

	// PollInterval is the degraded poller period. Default: 10s
	PollInterval time.Duration
	// PublishQueue bounds producer events waiting for the bus. Default: 1024
	PublishQueue int
	// Now overrides the clock for timestamps and progress. Default: time.Now
	Now func() time.Time
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PublishQueue <= 0 {
		c.PublishQueue = 1024
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Snapshot.Now == nil {
		c.Snapshot.Now = c.Now
	}
}

// Validate checks that the required collaborators are present.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("job store is required")
	}
	if c.Bus == nil {
		return fmt.Errorf("bus is required")
	}
	return nil
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedUsers int    `json:"connectedUsers"`
	Connections    int    `json:"connections"`
	Bus            string `json:"bus"`
	BusConnected   bool   `json:"busConnected"`
}

// Hub owns the connection manager and the background tasks feeding it.
type Hub struct {
	*Manager

	store      store.JobStore
	supervisor *bus.Supervisor
	poller     *Poller
	notifier   *notifier
	now        func() time.Time
}

// New assembles a hub. Nothing runs until Run is called.
func New(cfg Config) (*Hub, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}

	manager := NewManager(cfg.Store, snapshot.NewBuilder(cfg.Store, cfg.Snapshot))
	supervisor := bus.NewSupervisor(cfg.Bus, manager.Dispatch, cfg.Supervisor)
	poller := NewPoller(manager, cfg.Store, cfg.PollInterval, supervisor.Connected, cfg.Now)

	// scan as soon as the bus drops, and once more to close the gap when it returns
	supervisor.OnStateChange(func(bool) { poller.Wake() })

	return &Hub{
		Manager:    manager,
		store:      cfg.Store,
		supervisor: supervisor,
		poller:     poller,
		notifier:   newNotifier(manager, cfg.Bus, supervisor.Connected, cfg.Now, cfg.PublishQueue),
		now:        cfg.Now,
	}, nil
}

// Run starts the bus subscription, the degraded poller and the publisher, and
// blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	log.Info().Str("bus", h.supervisor.Bus().Name()).Msg("Starting hub")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.supervisor.Run(ctx) })
	g.Go(func() error { return h.poller.Run(ctx) })
	g.Go(func() error { return h.notifier.run(ctx) })

	err := g.Wait()
	log.Info().Msg("Hub stopped")
	return err
}

// BusConnected reports whether the cross-instance subscription is established.
func (h *Hub) BusConnected() bool {
	return h.supervisor.Connected()
}

// Stats returns connection counts and bus state.
func (h *Hub) Stats() Stats {
	users, conns := h.registry.Counts()
	return Stats{
		ConnectedUsers: users,
		Connections:    conns,
		Bus:            h.supervisor.Bus().Name(),
		BusConnected:   h.supervisor.Connected(),
	}
}

// PingStore checks the job store.
func (h *Hub) PingStore(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// Timestamp returns the hub clock.
func (h *Hub) Timestamp() time.Time {
	return h.now()
}
