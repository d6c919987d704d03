package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const publishTimeout = 5 * time.Second

// notifier publishes producer events from a queue so callers never wait on the bus.
type notifier struct {
	manager   *Manager
	bus       bus.Bus
	connected func() bool
	now       func() time.Time
	queue     chan models.StatusEvent
}

func newNotifier(manager *Manager, b bus.Bus, connected func() bool, now func() time.Time, size int) *notifier {
	return &notifier{
		manager:   manager,
		bus:       b,
		connected: connected,
		now:       now,
		queue:     make(chan models.StatusEvent, size),
	}
}

// enqueue never blocks. With a full queue the event is dispatched locally only.
func (n *notifier) enqueue(ctx context.Context, event models.StatusEvent) {
	select {
	case n.queue <- event:
	default:
		log.Warn().Str("job_id", event.JobID).Msg("Publish queue full, delivering locally only")
		n.manager.Dispatch(ctx, event)
	}
}

func (n *notifier) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case event := <-n.queue:
			n.publish(ctx, event)
		}
	}
}

// drain delivers queued events locally on shutdown.
func (n *notifier) drain() {
	ctx := context.Background()
	for {
		select {
		case event := <-n.queue:
			n.manager.Dispatch(ctx, event)
		default:
			return
		}
	}
}

// publish sends event to the bus. When the subscription is down or the publish fails
// the event is dispatched locally, since self-delivery cannot be relied on.
func (n *notifier) publish(ctx context.Context, event models.StatusEvent) {
	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("bus", n.bus.Name()))

	subscribed := n.connected()

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	err := n.bus.Publish(pubCtx, event)
	cancel()

	if err != nil {
		metrics.EventPublishErrorsTotal.Add(ctx, 1, attrs)
		log.Error().
			Err(err).
			Str("bus", n.bus.Name()).
			Str("job_id", event.JobID).
			Msg("Failed to publish job update, delivering locally")
		n.manager.Dispatch(ctx, event)
		return
	}

	metrics.EventsPublishedTotal.Add(ctx, 1, attrs)

	if !subscribed {
		n.manager.Dispatch(ctx, event)
	}
}

// NotifyJobStatusChange records a job status change for delivery to every instance.
// It never blocks and never fails: the caller's state change has already happened.
func (h *Hub) NotifyJobStatusChange(ctx context.Context, jobID string, status models.JobStatus, ownerID *int64, result *models.ResultSummary) {
	event := models.StatusEvent{
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    status,
		Result:    result,
		EmittedAt: h.now(),
	}

	log.Debug().Str("job_id", jobID).Str("status", string(status)).Msg("Job status change")
	h.notifier.enqueue(ctx, event)
}

// Notify is NotifyJobStatusChange for a fully formed event, for producers that also
// report progress or a message.
func (h *Hub) Notify(ctx context.Context, event models.StatusEvent) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = h.now()
	}
	h.notifier.enqueue(ctx, event)
}
