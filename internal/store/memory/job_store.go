package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/store"
)

type jobRecord struct {
	detail    models.JobDetail
	updatedAt time.Time
	logs      []models.LogLine      // oldest first
	metrics   []models.MetricSample // oldest first
}

// JobStore is an in-memory store.JobStore. It also carries the mutators a producer
// would use, so development servers and tests can drive job lifecycles.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[string]*jobRecord
	unavailable bool
	now         func() time.Time
}

var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobRecord),
		now:  time.Now,
	}
}

// WithClock replaces the time source used for updated_at bookkeeping.
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

// SetUnavailable makes every read fail with store.ErrUnavailable.
func (s *JobStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// CreateJob inserts a job. An empty JobID is replaced with a UUIDv7.
func (s *JobStore) CreateJob(detail models.JobDetail) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if detail.JobID == "" {
		detail.JobID = uuid.Must(uuid.NewV7()).String()
	}
	if detail.Status == "" {
		detail.Status = models.JobStatusQueued
	}
	now := s.now()
	if detail.CreatedAt.IsZero() {
		detail.CreatedAt = now
	}

	s.jobs[detail.JobID] = &jobRecord{detail: detail, updatedAt: now}

	log.Debug().Str("job_id", detail.JobID).Int64("user_id", detail.OwnerID).Msg("Created job")
	return detail.JobID
}

// SetStatus transitions a job, stamping started/completed times the way the worker
// pipeline does.
func (s *JobStore) SetStatus(jobID string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}

	now := s.now()
	rec.detail.Status = status
	rec.updatedAt = now
	if status == models.JobStatusRunning && rec.detail.StartedAt == nil {
		rec.detail.StartedAt = &now
	}
	if status.IsTerminal() && rec.detail.CompletedAt == nil {
		rec.detail.CompletedAt = &now
	}
	return nil
}

// SetResult records the result summary or error message of a job.
func (s *JobStore) SetResult(jobID string, result *models.ResultSummary, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	rec.detail.Result = result
	rec.detail.ErrorMessage = errorMessage
	rec.updatedAt = s.now()
	return nil
}

// AppendLog adds a log line to a job.
func (s *JobStore) AppendLog(jobID string, line models.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = s.now()
	}
	rec.logs = append(rec.logs, line)
	return nil
}

// AppendMetric adds a metric sample to a job.
func (s *JobStore) AppendMetric(jobID string, sample models.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	rec.metrics = append(rec.metrics, sample)
	return nil
}

func (s *JobStore) lookup(jobID string) (*jobRecord, error) {
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}
	return rec, nil
}

// GetJobOwnerAndStatus implements store.JobStore.
func (s *JobStore) GetJobOwnerAndStatus(_ context.Context, jobID string) (*models.JobOwnership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobOwnership{
		JobID:   rec.detail.JobID,
		OwnerID: rec.detail.OwnerID,
		Status:  rec.detail.Status,
		Name:    rec.detail.Name,
	}, nil
}

// GetJobDetail implements store.JobStore.
func (s *JobStore) GetJobDetail(_ context.Context, jobID string) (*models.JobDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	detail := rec.detail
	return &detail, nil
}

// ListRecentLogs implements store.JobStore.
func (s *JobStore) ListRecentLogs(_ context.Context, jobID string, limit int) ([]models.LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return newestFirst(rec.logs, limit), nil
}

// ListRecentMetrics implements store.JobStore.
func (s *JobStore) ListRecentMetrics(_ context.Context, jobID string, limit int) ([]models.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return newestFirst(rec.metrics, limit), nil
}

// ListActiveJobsForOwner implements store.JobStore.
func (s *JobStore) ListActiveJobsForOwner(_ context.Context, ownerID int64) ([]models.ActiveJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return nil, store.ErrUnavailable
	}

	var jobs []models.ActiveJob
	for _, rec := range s.jobs {
		d := rec.detail
		if d.OwnerID != ownerID || !d.Status.IsActive() {
			continue
		}
		jobs = append(jobs, models.ActiveJob{
			JobID:                   d.JobID,
			Name:                    d.Name,
			Status:                  d.Status,
			CreatedAt:               d.CreatedAt,
			StartedAt:               d.StartedAt,
			DeclaredDurationSeconds: d.DeclaredDurationSeconds,
		})
	}

	slices.SortFunc(jobs, func(a, b models.ActiveJob) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return jobs, nil
}

// ListRecentlyMutatedJobs implements store.JobStore.
func (s *JobStore) ListRecentlyMutatedJobs(_ context.Context, since time.Time) ([]models.MutatedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return nil, store.ErrUnavailable
	}

	var jobs []models.MutatedJob
	for _, rec := range s.jobs {
		if !rec.detail.Status.IsActive() || !rec.updatedAt.After(since) {
			continue
		}
		jobs = append(jobs, models.MutatedJob{
			JobID:     rec.detail.JobID,
			OwnerID:   rec.detail.OwnerID,
			Status:    rec.detail.Status,
			UpdatedAt: rec.updatedAt,
		})
	}
	return jobs, nil
}

// Ping implements store.JobStore.
func (s *JobStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return store.ErrUnavailable
	}
	return nil
}

// newestFirst copies the last limit entries of an oldest-first slice in reverse order.
func newestFirst[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}
