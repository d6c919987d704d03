package models

import "time"

// JobStatus is the lifecycle state of a simulation job as recorded by the job store.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true once the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive returns true for queued and running jobs.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobOwnership is the minimal record used for topic join authorization.
type JobOwnership struct {
	JobID   string
	OwnerID int64
	Status  JobStatus
	Name    string
}

// JobDetail holds the fields needed to assemble a snapshot.
type JobDetail struct {
	JobID                   string
	OwnerID                 int64
	Name                    string
	Status                  JobStatus
	CreatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	DeclaredDurationSeconds float64
	Result                  *ResultSummary
	ErrorMessage            string
}

// ActiveJob is a non-terminal job owned by an identity.
type ActiveJob struct {
	JobID                   string
	Name                    string
	Status                  JobStatus
	CreatedAt               time.Time
	StartedAt               *time.Time
	DeclaredDurationSeconds float64
}

// MutatedJob is returned by the degraded poller scan.
type MutatedJob struct {
	JobID     string
	OwnerID   int64
	Status    JobStatus
	UpdatedAt time.Time
}

// ResultSummary is the headline result of a completed simulation.
type ResultSummary struct {
	TotalThroughput *float64 `json:"totalThroughput,omitempty"`
	AverageLatency  *float64 `json:"averageLatency,omitempty"`
}

// LogLine is a single job log entry.
type LogLine struct {
	Level          string    `json:"logLevel"`
	Message        string    `json:"message"`
	Component      string    `json:"component,omitempty"`
	SimulationTime *float64  `json:"simulationTime,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MetricSample is a single recorded simulation metric.
type MetricSample struct {
	MetricType   string  `json:"metricType"`
	Value        float64 `json:"value"`
	Unit         string  `json:"unit,omitempty"`
	TimestampSec float64 `json:"timestampSec"`
}
