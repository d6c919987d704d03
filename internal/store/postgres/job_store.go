package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/store"
)

// JobStore implements store.JobStore against the simulation schema in PostgreSQL.
// The pool is owned by the caller so it can be shared with the LISTEN/NOTIFY bus.
type JobStore struct {
	pool *pgxpool.Pool
	cfg  *JobStoreConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates a PostgreSQL-backed job store on an existing pool.
func NewJobStore(ctx context.Context, pool *pgxpool.Pool, cfg *JobStoreConfig) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg == nil {
		cfg = &JobStoreConfig{}
	}
	cfg.ApplyDefaults()

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &JobStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches background pool monitoring.
func (s *JobStore) Start() error {
	log.Info().Msg("Starting PostgreSQL job store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop halts background tasks. The pool is left open for its owner to close.
func (s *JobStore) Stop() error {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping PostgreSQL job store")
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}

func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *JobStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// GetJobOwnerAndStatus implements store.JobStore.
func (s *JobStore) GetJobOwnerAndStatus(ctx context.Context, jobID string) (*models.JobOwnership, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var (
		own    models.JobOwnership
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, status, name
		FROM simulation_jobs
		WHERE id = $1
	`, jobID).Scan(&own.JobID, &own.OwnerID, &status, &own.Name)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	own.Status = models.JobStatus(status)

	return &own, nil
}

// GetJobDetail implements store.JobStore.
func (s *JobStore) GetJobDetail(ctx context.Context, jobID string) (*models.JobDetail, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var (
		d            models.JobDetail
		status       string
		throughput   *float64
		latency      *float64
		errorMessage *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, name, status, simulation_time,
		       created_at, started_at, completed_at,
		       total_throughput, average_latency, error_message
		FROM simulation_jobs
		WHERE id = $1
	`, jobID).Scan(
		&d.JobID, &d.OwnerID, &d.Name, &status, &d.DeclaredDurationSeconds,
		&d.CreatedAt, &d.StartedAt, &d.CompletedAt,
		&throughput, &latency, &errorMessage,
	)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	d.Status = models.JobStatus(status)
	if throughput != nil || latency != nil {
		d.Result = &models.ResultSummary{TotalThroughput: throughput, AverageLatency: latency}
	}
	if errorMessage != nil {
		d.ErrorMessage = *errorMessage
	}

	return &d, nil
}

// ListRecentLogs implements store.JobStore.
func (s *JobStore) ListRecentLogs(ctx context.Context, jobID string, limit int) ([]models.LogLine, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT log_level, message, component, simulation_time, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LogLine, error) {
		var (
			line      models.LogLine
			component *string
		)
		if err := row.Scan(&line.Level, &line.Message, &component, &line.SimulationTime, &line.CreatedAt); err != nil {
			return line, err
		}
		if component != nil {
			line.Component = *component
		}
		return line, nil
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	return logs, nil
}

// ListRecentMetrics implements store.JobStore.
func (s *JobStore) ListRecentMetrics(ctx context.Context, jobID string, limit int) ([]models.MetricSample, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT metric_type, value, unit, timestamp_sec
		FROM simulation_metrics
		WHERE job_id = $1
		ORDER BY timestamp_sec DESC, id DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	metrics, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MetricSample, error) {
		var (
			sample models.MetricSample
			unit   *string
		)
		if err := row.Scan(&sample.MetricType, &sample.Value, &unit, &sample.TimestampSec); err != nil {
			return sample, err
		}
		if unit != nil {
			sample.Unit = *unit
		}
		return sample, nil
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	return metrics, nil
}

// ListActiveJobsForOwner implements store.JobStore.
func (s *JobStore) ListActiveJobsForOwner(ctx context.Context, ownerID int64) ([]models.ActiveJob, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, name, status, created_at, started_at, simulation_time
		FROM simulation_jobs
		WHERE user_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ActiveJob, error) {
		var (
			job    models.ActiveJob
			status string
		)
		err := row.Scan(&job.JobID, &job.Name, &status, &job.CreatedAt, &job.StartedAt, &job.DeclaredDurationSeconds)
		job.Status = models.JobStatus(status)
		return job, err
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	return jobs, nil
}

// ListRecentlyMutatedJobs implements store.JobStore.
func (s *JobStore) ListRecentlyMutatedJobs(ctx context.Context, since time.Time) ([]models.MutatedJob, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, status, updated_at
		FROM simulation_jobs
		WHERE status IN ('queued', 'running') AND updated_at > $1
	`, since)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MutatedJob, error) {
		var (
			job    models.MutatedJob
			status string
		)
		err := row.Scan(&job.JobID, &job.OwnerID, &status, &job.UpdatedAt)
		job.Status = models.JobStatus(status)
		return job, err
	})
	if err != nil {
		return nil, mapPostgresError(err)
	}

	return jobs, nil
}

// Ping implements store.JobStore.
func (s *JobStore) Ping(ctx context.Context) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// CreateJob inserts a job row as the producer pipeline would. An empty JobID is
// replaced with a UUIDv7.
func (s *JobStore) CreateJob(ctx context.Context, detail models.JobDetail) (string, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	if detail.JobID == "" {
		detail.JobID = uuid.Must(uuid.NewV7()).String()
	}
	if detail.Status == "" {
		detail.Status = models.JobStatusQueued
	}
	if detail.CreatedAt.IsZero() {
		detail.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO simulation_jobs (id, user_id, name, status, simulation_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, detail.JobID, detail.OwnerID, detail.Name, string(detail.Status), detail.DeclaredDurationSeconds, detail.CreatedAt)
	if err != nil {
		return "", mapPostgresError(err)
	}

	log.Debug().Str("job_id", detail.JobID).Int64("user_id", detail.OwnerID).Msg("Created job")
	return detail.JobID, nil
}

// SetStatus transitions a job, stamping started_at and completed_at once.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE simulation_jobs
		SET status = $2::text,
		    started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2::text IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, NOW()) ELSE completed_at END
		WHERE id = $1
	`, jobID, string(status))
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

// SetResult records the headline results or failure message of a job.
func (s *JobStore) SetResult(ctx context.Context, jobID string, result *models.ResultSummary, errorMessage string) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var throughput, latency *float64
	if result != nil {
		throughput, latency = result.TotalThroughput, result.AverageLatency
	}
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE simulation_jobs
		SET total_throughput = $2, average_latency = $3, error_message = $4
		WHERE id = $1
	`, jobID, throughput, latency, errMsg)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return nil
}

// AppendLog adds a log line to a job.
func (s *JobStore) AppendLog(ctx context.Context, jobID string, line models.LogLine) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now()
	}
	var component *string
	if line.Component != "" {
		component = &line.Component
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, log_level, message, component, simulation_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, jobID, line.Level, line.Message, component, line.SimulationTime, line.CreatedAt)
	return mapPostgresError(err)
}

// AppendMetric adds a metric sample to a job.
func (s *JobStore) AppendMetric(ctx context.Context, jobID string, sample models.MetricSample) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var unit *string
	if sample.Unit != "" {
		unit = &sample.Unit
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO simulation_metrics (job_id, metric_type, timestamp_sec, value, unit)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, sample.MetricType, sample.TimestampSec, sample.Value, unit)
	return mapPostgresError(err)
}
