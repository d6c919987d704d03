package models

import "time"

// StatusEvent is carried on the fan-out bus whenever a job changes state. Events are
// replace-by-latest values: applying the same event twice leaves a client where
// applying it once did.
type StatusEvent struct {
	JobID     string         `json:"jobId"`
	OwnerID   *int64         `json:"userId,omitempty"`
	Status    JobStatus      `json:"status"`
	Progress  *int           `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    *ResultSummary `json:"results,omitempty"`
	EmittedAt time.Time      `json:"timestamp"`
}

// Topics returns the topics an event is routed to: always the job topic, and the
// owner's user topic when the owner is known.
func (e StatusEvent) Topics() []TopicKey {
	topics := []TopicKey{JobTopic(e.JobID)}
	if e.OwnerID != nil {
		topics = append(topics, UserTopic(*e.OwnerID))
	}
	return topics
}

// Snapshot is a full, self-contained status view of one job.
type Snapshot struct {
	JobID        string         `json:"jobId"`
	Name         string         `json:"name"`
	Status       JobStatus      `json:"status"`
	Progress     int            `json:"progress"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Results      *ResultSummary `json:"results"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	RecentLogs   []LogLine      `json:"recentLogs"`
	Metrics      []MetricSample `json:"metrics"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ActiveJobSummary is one entry of the active-jobs push.
type ActiveJobSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}
