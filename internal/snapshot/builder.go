package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/store"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrForbidden is returned when a job exists but belongs to a different identity.
var ErrForbidden = errors.New("access denied")

const tracerName = "github.com/wolfeidau/simstream/internal/snapshot"

// Config controls snapshot payload bounds.
type Config struct {
	// LogLimit bounds recentLogs. Default: 5
	LogLimit int
	// MetricLimit bounds metrics on completed jobs. Default: 20
	MetricLimit int
	// Now is the clock used for progress estimates. Default: time.Now
	Now func() time.Time
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.LogLimit <= 0 {
		c.LogLimit = 5
	}
	if c.MetricLimit <= 0 {
		c.MetricLimit = 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Builder assembles point-in-time job snapshots from the job store.
type Builder struct {
	store  store.JobStore
	cfg    Config
	tracer trace.Tracer
}

// NewBuilder creates a snapshot builder reading from st.
func NewBuilder(st store.JobStore, cfg Config) *Builder {
	cfg.ApplyDefaults()
	return &Builder{
		store:  st,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// Build returns the current snapshot of jobID as seen by identity. Ownership is
// checked on every call, not just at topic join.
func (b *Builder) Build(ctx context.Context, jobID string, identity models.Identity) (*models.Snapshot, error) {
	ctx, span := b.tracer.Start(ctx, "snapshot.Build", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int64("user.id", identity.UserID),
	))
	defer span.End()

	start := time.Now()

	snap, err := b.build(ctx, jobID, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m := telemetry.GetMetrics()
	m.SnapshotsBuiltTotal.Add(ctx, 1)
	m.SnapshotDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	return snap, nil
}

func (b *Builder) build(ctx context.Context, jobID string, identity models.Identity) (*models.Snapshot, error) {
	detail, err := b.store.GetJobDetail(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job detail: %w", err)
	}

	if detail.OwnerID != identity.UserID {
		log.Warn().
			Str("job_id", jobID).
			Int64("user_id", identity.UserID).
			Int64("owner_id", detail.OwnerID).
			Msg("Snapshot requested for job owned by another user")
		return nil, ErrForbidden
	}

	logs, err := b.store.ListRecentLogs(ctx, jobID, b.cfg.LogLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent logs: %w", err)
	}

	now := b.cfg.Now()
	snap := &models.Snapshot{
		JobID:        detail.JobID,
		Name:         detail.Name,
		Status:       detail.Status,
		Progress:     EstimateProgress(detail.Status, detail.StartedAt, detail.DeclaredDurationSeconds, now),
		CreatedAt:    detail.CreatedAt,
		StartedAt:    detail.StartedAt,
		CompletedAt:  detail.CompletedAt,
		ErrorMessage: detail.ErrorMessage,
		RecentLogs:   nonNil(logs),
		Metrics:      []models.MetricSample{},
		Timestamp:    now,
	}

	if detail.Status == models.JobStatusCompleted {
		snap.Results = detail.Result
		if snap.Results == nil {
			snap.Results = &models.ResultSummary{}
		}

		metrics, err := b.store.ListRecentMetrics(ctx, jobID, b.cfg.MetricLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent metrics: %w", err)
		}
		snap.Metrics = nonNil(metrics)
	}

	log.Debug().
		Str("job_id", jobID).
		Str("status", string(snap.Status)).
		Int("progress", snap.Progress).
		Int("logs", len(snap.RecentLogs)).
		Int("metrics", len(snap.Metrics)).
		Msg("Built job snapshot")

	return snap, nil
}

// ActiveJobs lists the identity's queued and running jobs, newest first, each with a
// progress estimate.
func (b *Builder) ActiveJobs(ctx context.Context, identity models.Identity) ([]models.ActiveJobSummary, error) {
	jobs, err := b.store.ListActiveJobsForOwner(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	now := b.cfg.Now()
	out := make([]models.ActiveJobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, models.ActiveJobSummary{
			ID:        job.JobID,
			Name:      job.Name,
			Status:    job.Status,
			Progress:  EstimateProgress(job.Status, job.StartedAt, job.DeclaredDurationSeconds, now),
			CreatedAt: job.CreatedAt,
			StartedAt: job.StartedAt,
		})
	}

	return out, nil
}

// Now returns the builder clock, shared with message timestamps.
func (b *Builder) Now() time.Time {
	return b.cfg.Now()
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
