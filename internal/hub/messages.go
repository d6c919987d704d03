package hub

import (
	"time"

	"github.com/wolfeidau/simstream/internal/models"
)

// Client to server message types.
const (
	TypeSubscribeJob   = "subscribe-job"
	TypeUnsubscribeJob = "unsubscribe-job"
	TypeGetJobStatus   = "get-job-status"
	TypeGetActiveJobs  = "get-active-jobs"
	TypeLogout         = "logout"
)

// Server to client message types.
const (
	TypeConnected       = "connected"
	TypeJobSubscribed   = "job-subscribed"
	TypeJobStatusUpdate = "job-status-update"
	TypeJobUpdate       = "job-update"
	TypeJobPollUpdate   = "job-poll-update"
	TypeActiveJobs      = "active-jobs"
	TypeError           = "error"
)

// Message is one push to a connection. Payload is serialised by the transport.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Inbound is a decoded client request.
type Inbound struct {
	Type  string
	JobID string
}

type ConnectedPayload struct {
	Message      string    `json:"message"`
	UserID       int64     `json:"userId"`
	Email        string    `json:"email,omitempty"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type JobSubscribedPayload struct {
	JobID         string           `json:"jobId"`
	JobName       string           `json:"jobName"`
	CurrentStatus models.JobStatus `json:"currentStatus"`
	Timestamp     time.Time        `json:"timestamp"`
}

// JobUpdatePayload is the client view of a StatusEvent. It carries absolute values
// only, so applying it twice is the same as applying it once.
type JobUpdatePayload struct {
	JobID     string                `json:"jobId"`
	Status    models.JobStatus      `json:"status"`
	Progress  *int                  `json:"progress,omitempty"`
	Message   string                `json:"message,omitempty"`
	Results   *models.ResultSummary `json:"results,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

type JobPollUpdatePayload struct {
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
}

type ActiveJobsPayload struct {
	Jobs      []models.ActiveJobSummary `json:"jobs"`
	Count     int                       `json:"count"`
	Timestamp time.Time                 `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	// Context names the request that failed.
	Context string `json:"context,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

func jobUpdateMessage(event models.StatusEvent) Message {
	return Message{
		Type: TypeJobUpdate,
		Payload: JobUpdatePayload{
			JobID:     event.JobID,
			Status:    event.Status,
			Progress:  event.Progress,
			Message:   event.Message,
			Results:   event.Result,
			Timestamp: event.EmittedAt,
		},
	}
}

func errorMessage(msg, context, jobID string) Message {
	return Message{
		Type:    TypeError,
		Payload: ErrorPayload{Message: msg, Context: context, JobID: jobID},
	}
}
