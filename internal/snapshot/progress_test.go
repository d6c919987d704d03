package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/models"
)

func TestEstimateProgress(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		status   models.JobStatus
		started  *time.Time
		declared float64
		elapsed  time.Duration
		want     int
	}{
		{name: "queued", status: models.JobStatusQueued, want: 0},
		{name: "running without start time", status: models.JobStatusRunning, declared: 100, want: 0},
		{name: "running zero duration", status: models.JobStatusRunning, started: &started, declared: 0, elapsed: time.Minute, want: 0},
		{name: "running halfway", status: models.JobStatusRunning, started: &started, declared: 100, elapsed: 50 * time.Second, want: 50},
		{name: "running rounds", status: models.JobStatusRunning, started: &started, declared: 3, elapsed: 2 * time.Second, want: 67},
		{name: "running past duration caps at 95", status: models.JobStatusRunning, started: &started, declared: 10, elapsed: time.Hour, want: 95},
		{name: "running clock skew floors at 0", status: models.JobStatusRunning, started: &started, declared: 10, elapsed: -time.Minute, want: 0},
		{name: "completed", status: models.JobStatusCompleted, started: &started, declared: 10, elapsed: time.Second, want: 100},
		{name: "failed", status: models.JobStatusFailed, started: &started, declared: 10, elapsed: time.Hour, want: 0},
		{name: "cancelled", status: models.JobStatusCancelled, started: &started, declared: 10, elapsed: time.Hour, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateProgress(tt.status, tt.started, tt.declared, started.Add(tt.elapsed))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEstimateProgressMonotonic(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	last := 0
	for s := 0; s <= 300; s++ {
		p := EstimateProgress(models.JobStatusRunning, &started, 120, started.Add(time.Duration(s)*time.Second))
		require.GreaterOrEqual(t, p, last, "progress decreased at %ds", s)
		require.Less(t, p, 100, "progress reached 100 while running at %ds", s)
		last = p
	}

	require.Equal(t, 100, EstimateProgress(models.JobStatusCompleted, &started, 120, started.Add(301*time.Second)))
}
