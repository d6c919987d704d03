package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/wolfeidau/simstream/internal/hub"
	"github.com/wolfeidau/simstream/internal/models"
)

// JobState is the client side view of one job.
type JobState struct {
	JobID      string
	Name       string
	Status     models.JobStatus
	Progress   int
	Message    string
	Results    *models.ResultSummary
	RecentLogs []models.LogLine
	Metrics    []models.MetricSample
	UpdatedAt  time.Time
}

// JobView folds server pushes into per job state. Every push carries absolute
// values and replaces what it names, so replaying a push is harmless and a stale
// push (older than the state it would replace) is ignored.
type JobView struct {
	mu   sync.RWMutex
	jobs map[string]*JobState
}

func NewJobView() *JobView {
	return &JobView{jobs: make(map[string]*JobState)}
}

// Apply folds msg into the view. It returns the affected job id and whether the
// view changed. Pushes that carry no job state are ignored.
func (v *JobView) Apply(msg Message) (string, bool, error) {
	switch msg.Type {
	case hub.TypeJobStatusUpdate:
		var snap models.Snapshot
		if err := msg.Decode(&snap); err != nil {
			return "", false, fmt.Errorf("failed to decode %s: %w", msg.Type, err)
		}
		return snap.JobID, v.applySnapshot(snap), nil

	case hub.TypeJobUpdate:
		var update hub.JobUpdatePayload
		if err := msg.Decode(&update); err != nil {
			return "", false, fmt.Errorf("failed to decode %s: %w", msg.Type, err)
		}
		return update.JobID, v.applyUpdate(update), nil

	case hub.TypeJobSubscribed:
		var sub hub.JobSubscribedPayload
		if err := msg.Decode(&sub); err != nil {
			return "", false, fmt.Errorf("failed to decode %s: %w", msg.Type, err)
		}
		return sub.JobID, v.applySubscribed(sub), nil
	}

	return "", false, nil
}

func (v *JobView) applySnapshot(snap models.Snapshot) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.state(snap.JobID)
	if snap.Timestamp.Before(cur.UpdatedAt) {
		return false
	}

	next := JobState{
		JobID:      snap.JobID,
		Name:       snap.Name,
		Status:     snap.Status,
		Progress:   snap.Progress,
		Message:    snap.ErrorMessage,
		Results:    snap.Results,
		RecentLogs: snap.RecentLogs,
		Metrics:    snap.Metrics,
		UpdatedAt:  snap.Timestamp,
	}

	changed := cur.Name != next.Name || !sameState(cur, &next)
	*cur = next
	return changed
}

func (v *JobView) applyUpdate(update hub.JobUpdatePayload) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.state(update.JobID)
	if update.Timestamp.Before(cur.UpdatedAt) {
		return false
	}

	next := *cur
	next.Status = update.Status
	next.UpdatedAt = update.Timestamp
	if update.Progress != nil {
		next.Progress = *update.Progress
	} else if update.Status == models.JobStatusCompleted {
		next.Progress = 100
	}
	if update.Message != "" {
		next.Message = update.Message
	}
	if update.Results != nil {
		next.Results = update.Results
	}

	changed := !sameState(cur, &next)
	*cur = next
	return changed
}

func (v *JobView) applySubscribed(sub hub.JobSubscribedPayload) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.state(sub.JobID)
	changed := false
	if cur.Name != sub.JobName {
		cur.Name = sub.JobName
		changed = true
	}
	if cur.Status == "" {
		cur.Status = sub.CurrentStatus
		changed = true
	}
	return changed
}

// state returns the entry for jobID, creating it. Callers hold mu.
func (v *JobView) state(jobID string) *JobState {
	cur, ok := v.jobs[jobID]
	if !ok {
		cur = &JobState{JobID: jobID}
		v.jobs[jobID] = cur
	}
	return cur
}

// Get returns a copy of the state of jobID.
func (v *JobView) Get(jobID string) (JobState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	cur, ok := v.jobs[jobID]
	if !ok {
		return JobState{}, false
	}
	return *cur, true
}

func sameState(a, b *JobState) bool {
	return a.Status == b.Status &&
		a.Progress == b.Progress &&
		a.Message == b.Message &&
		sameResults(a.Results, b.Results) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func sameResults(a, b *models.ResultSummary) bool {
	if a == nil || b == nil {
		return a == b
	}
	return sameFloat(a.TotalThroughput, b.TotalThroughput) && sameFloat(a.AverageLatency, b.AverageLatency)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
