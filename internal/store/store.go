package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/simstream/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound = errors.New("job not found")
	ErrUnavailable = errors.New("job store unavailable")
)

// JobStore is the read contract the notification subsystem needs from the system of
// record for simulation jobs. Implementations return ErrJobNotFound for unknown jobs.
type JobStore interface {
	GetJobOwnerAndStatus(ctx context.Context, jobID string) (*models.JobOwnership, error)
	GetJobDetail(ctx context.Context, jobID string) (*models.JobDetail, error)

	// ListRecentLogs and ListRecentMetrics return at most limit entries, newest first.
	ListRecentLogs(ctx context.Context, jobID string, limit int) ([]models.LogLine, error)
	ListRecentMetrics(ctx context.Context, jobID string, limit int) ([]models.MetricSample, error)

	// ListActiveJobsForOwner returns queued and running jobs, newest created first.
	ListActiveJobsForOwner(ctx context.Context, ownerID int64) ([]models.ActiveJob, error)

	// ListRecentlyMutatedJobs returns queued and running jobs updated after since.
	ListRecentlyMutatedJobs(ctx context.Context, since time.Time) ([]models.MutatedJob, error)

	Ping(ctx context.Context) error
}
