package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/store"
	"github.com/wolfeidau/simstream/internal/telemetry"
)

// Poller scans the job store while the bus is down and tells connected owners of
// recently changed jobs to refresh. Freshness is bounded by the interval.
type Poller struct {
	manager   *Manager
	store     store.JobStore
	interval  time.Duration
	connected func() bool
	now       func() time.Time
	wake      chan struct{}

	// lastScan is the upper bound of the previous scan, zero when not degraded
	lastScan time.Time
}

// NewPoller creates a poller that stays idle whenever connected returns true.
func NewPoller(manager *Manager, st store.JobStore, interval time.Duration, connected func() bool, now func() time.Time) *Poller {
	return &Poller{
		manager:   manager,
		store:     st,
		interval:  interval,
		connected: connected,
		now:       now,
		wake:      make(chan struct{}, 1),
	}
}

// Wake asks Run to scan now instead of waiting for the next tick.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("Degraded poller started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wake:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.connected() {
		if !p.lastScan.IsZero() {
			// events produced since the last scan never crossed the bus
			p.scan(ctx, p.lastScan)
			log.Info().Msg("Bus restored, degraded polling paused")
		}
		p.lastScan = time.Time{}
		return
	}

	since := p.lastScan
	if since.IsZero() {
		since = p.now().Add(-p.interval)
	}
	p.scan(ctx, since)
}

// scan refreshes owners of jobs mutated after since and advances lastScan.
func (p *Poller) scan(ctx context.Context, since time.Time) {
	now := p.now()
	jobs, err := p.store.ListRecentlyMutatedJobs(ctx, since)
	if err != nil {
		// keep the window open so the next scan covers this one
		log.Error().Err(err).Time("since", since).Msg("Degraded poll failed")
		if p.lastScan.IsZero() {
			p.lastScan = since
		}
		return
	}
	p.lastScan = now

	refreshed := p.refresh(ctx, jobs, now)

	log.Debug().
		Time("since", since).
		Int("mutated", len(jobs)).
		Int("refreshed", refreshed).
		Msg("Degraded poll complete")
}

// refresh pushes job-poll-update to the user topic of every mutated job whose owner
// is connected here.
func (p *Poller) refresh(ctx context.Context, jobs []models.MutatedJob, now time.Time) int {
	refreshed := 0
	for _, job := range jobs {
		if !p.manager.registry.IsConnected(job.OwnerID) {
			continue
		}

		delivered := p.manager.deliver(ctx, Message{
			Type:    TypeJobPollUpdate,
			Payload: JobPollUpdatePayload{JobID: job.JobID, Timestamp: now},
		}, models.UserTopic(job.OwnerID))

		if delivered > 0 {
			refreshed++
			telemetry.GetMetrics().PollRefreshesTotal.Add(ctx, 1)
		}
	}
	return refreshed
}
