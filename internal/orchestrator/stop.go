package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aristath/harness/internal/scheduler"
	"github.com/aristath/harness/internal/state"
)

// Decision is the answer to "may this worker stop now?".
type Decision struct {
	Block   bool   `json:"block"`
	Summary string `json:"summary"`
	Next    string `json:"next,omitempty"`
}

// StopDecision blocks a stop while selectable work remains or an in-progress
// task still needs this worker. In concurrent mode only tasks claimed by
// worker, or by nobody, hold the worker back; other workers' claims are
// theirs to finish.
func StopDecision(doc *state.Document, worker string) Decision {
	candidates := scheduler.Candidates(doc)

	blocking := 0
	for _, task := range doc.Tasks {
		if task.Status != state.StatusInProgress {
			continue
		}
		if doc.SessionConfig.Concurrent() && worker != "" && task.ClaimedBy != "" && task.ClaimedBy != worker {
			continue
		}
		blocking++
	}

	d := Decision{Block: len(candidates) > 0 || blocking > 0}
	var sb strings.Builder
	sb.WriteString(FormatCounts(doc.Counts()))
	if len(candidates) > 0 {
		next := candidates[0]
		d.Next = next.ID
		fmt.Fprintf(&sb, " next=%s", next.ID)
		if title := strings.TrimSpace(next.Title); title != "" {
			sb.WriteString(": " + title)
		}
	}
	d.Summary = sb.String()
	return d
}
