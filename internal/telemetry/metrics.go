package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/simstream"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Connection metrics
	ActiveConnections metric.Int64UpDownCounter
	ConnectedUsers    metric.Int64UpDownCounter
	AuthFailuresTotal metric.Int64Counter

	// Event metrics
	EventsPublishedTotal    metric.Int64Counter
	EventPublishErrorsTotal metric.Int64Counter
	EventsDispatchedTotal   metric.Int64Counter
	DeliveriesDroppedTotal  metric.Int64Counter

	// Snapshot metrics
	SnapshotsBuiltTotal metric.Int64Counter
	SnapshotDuration    metric.Float64Histogram

	// Degraded mode metrics
	PollRefreshesTotal metric.Int64Counter
	BusStateChanges    metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments. Instruments are bound
// to whichever meter provider is global at first use, a no-op one when telemetry
// is disabled.
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"simstream.connections.active",
		metric.WithDescription("Number of authenticated channel connections"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectedUsers, _ = meter.Int64UpDownCounter(
		"simstream.users.connected",
		metric.WithDescription("Number of identities with at least one live connection"),
		metric.WithUnit("{user}"),
	)

	m.AuthFailuresTotal, _ = meter.Int64Counter(
		"simstream.connections.auth_failures.total",
		metric.WithDescription("Total number of rejected channel handshakes"),
		metric.WithUnit("{connection}"),
	)

	m.EventsPublishedTotal, _ = meter.Int64Counter(
		"simstream.events.published.total",
		metric.WithDescription("Total number of status events published to the bus"),
		metric.WithUnit("{event}"),
	)

	m.EventPublishErrorsTotal, _ = meter.Int64Counter(
		"simstream.events.publish.errors.total",
		metric.WithDescription("Total number of status event publish failures"),
		metric.WithUnit("{error}"),
	)

	m.EventsDispatchedTotal, _ = meter.Int64Counter(
		"simstream.events.dispatched.total",
		metric.WithDescription("Total number of pushes handed to local connections"),
		metric.WithUnit("{event}"),
	)

	m.DeliveriesDroppedTotal, _ = meter.Int64Counter(
		"simstream.events.dropped.total",
		metric.WithDescription("Total number of pushes dropped because a send buffer was full"),
		metric.WithUnit("{event}"),
	)

	m.SnapshotsBuiltTotal, _ = meter.Int64Counter(
		"simstream.snapshots.built.total",
		metric.WithDescription("Total number of job snapshots assembled"),
		metric.WithUnit("{snapshot}"),
	)

	m.SnapshotDuration, _ = meter.Float64Histogram(
		"simstream.snapshots.duration",
		metric.WithDescription("Duration of snapshot assembly including store queries"),
		metric.WithUnit("ms"),
	)

	m.PollRefreshesTotal, _ = meter.Int64Counter(
		"simstream.poller.refreshes.total",
		metric.WithDescription("Total number of degraded-mode refresh signals sent"),
		metric.WithUnit("{event}"),
	)

	m.BusStateChanges, _ = meter.Int64Counter(
		"simstream.bus.state_changes.total",
		metric.WithDescription("Total number of bus connected/disconnected transitions"),
		metric.WithUnit("{transition}"),
	)

	return m
}
