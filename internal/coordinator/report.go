package coordinator

import (
	"time"

	"github.com/loomhq/loom/internal/merge"
)

// TaskReport is one task's terminal record in the run report.
type TaskReport struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
	BlockedBy string   `json:"blocked_by,omitempty"`
}

// RunReport is the final record of a run. Every task appears exactly once
// with its terminal state.
type RunReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tasks      []TaskReport  `json:"tasks"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Blocked    int           `json:"blocked"`
	Merge      *merge.Report `json:"merge,omitempty"`
}

// Success reports whether every task completed and the merge produced no
// conflicts.
func (r *RunReport) Success() bool {
	if r.Completed != len(r.Tasks) {
		return false
	}
	return r.Merge == nil || r.Merge.Conflicted == 0
}
