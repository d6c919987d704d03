package hub

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch fans a status event out to local members of its job topic and, when the
// owner is known, its user topic. Bus deliveries and local fallback deliveries both
// end here. A connection in both topics receives the event once.
func (m *Manager) Dispatch(ctx context.Context, event models.StatusEvent) {
	ctx, span := telemetry.Tracer().Start(ctx, "hub.Dispatch", trace.WithAttributes(
		attribute.String("job_id", event.JobID),
		attribute.String("status", string(event.Status)),
	))
	defer span.End()

	delivered := m.deliver(ctx, jobUpdateMessage(event), event.Topics()...)
	span.SetAttributes(attribute.Int("connections", delivered))

	log.Debug().
		Str("job_id", event.JobID).
		Str("status", string(event.Status)).
		Int("connections", delivered).
		Msg("Dispatched job update")
}

// deliver pushes msg to every member of topics without blocking and returns the
// number of connections it was queued for.
func (m *Manager) deliver(ctx context.Context, msg Message, topics ...models.TopicKey) int {
	members := m.registry.Members(topics...)
	if len(members) == 0 {
		return 0
	}

	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("type", msg.Type))

	delivered := 0
	for _, conn := range members {
		if !conn.sender.Enqueue(msg) {
			metrics.DeliveriesDroppedTotal.Add(ctx, 1, attrs)
			log.Warn().
				Str("conn_id", conn.ID).
				Int64("user_id", conn.Identity.UserID).
				Str("type", msg.Type).
				Msg("Send buffer full, dropping push")
			continue
		}
		delivered++
	}

	metrics.EventsDispatchedTotal.Add(ctx, int64(delivered), attrs)
	return delivered
}

// sendTo pushes msg to one connection if it is still registered.
func (m *Manager) sendTo(ctx context.Context, connID string, msg Message) bool {
	conn, ok := m.registry.Get(connID)
	if !ok {
		log.Debug().Str("conn_id", connID).Str("type", msg.Type).Msg("Connection closed, discarding push")
		return false
	}

	if !conn.sender.Enqueue(msg) {
		telemetry.GetMetrics().DeliveriesDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msg.Type)))
		log.Warn().Str("conn_id", connID).Str("type", msg.Type).Msg("Send buffer full, dropping push")
		return false
	}
	return true
}
