package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/wolfeidau/simstream/internal/client"
	"github.com/wolfeidau/simstream/internal/models"
)

type Globals struct {
	Debug   bool
	Version string
}

func statusLabel(status models.JobStatus) string {
	if status == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(string(status))
}

// printState writes one human readable line for a job.
func printState(w io.Writer, state client.JobState) {
	line := fmt.Sprintf("%s  %-9s %3d%%", state.JobID, statusLabel(state.Status), state.Progress)
	if state.Name != "" {
		line += "  " + state.Name
	}
	if state.Message != "" {
		line += "  (" + state.Message + ")"
	}
	if r := state.Results; r != nil {
		if r.TotalThroughput != nil {
			line += fmt.Sprintf("  throughput=%.2f", *r.TotalThroughput)
		}
		if r.AverageLatency != nil {
			line += fmt.Sprintf("  latency=%.2f", *r.AverageLatency)
		}
	}
	fmt.Fprintln(w, line)
}
