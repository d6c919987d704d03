package snapshot

import (
	"math"
	"time"

	"github.com/wolfeidau/simstream/internal/models"
)

// MaxRunningProgress caps the estimate for running jobs so a client never sees 100
// before the completed status is recorded.
const MaxRunningProgress = 95

// EstimateProgress derives a percentage from elapsed wall time against the declared
// simulation duration.
//
//   - completed: 100
//   - running with a start time: min(95, elapsed/declared*100), floored at 0, rounded
//   - anything else: 0
func EstimateProgress(status models.JobStatus, startedAt *time.Time, declaredSeconds float64, now time.Time) int {
	switch status {
	case models.JobStatusCompleted:
		return 100
	case models.JobStatusRunning:
		if startedAt == nil || declaredSeconds <= 0 {
			return 0
		}
		elapsed := now.Sub(*startedAt).Seconds()
		pct := math.Min(MaxRunningProgress, elapsed/declaredSeconds*100)
		return int(math.Round(math.Max(0, pct)))
	default:
		return 0
	}
}
