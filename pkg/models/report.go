package models

import "time"

// TaskOutcome is the per-task terminal record in the end-of-run report.
type TaskOutcome struct {
	// TaskID is the task this outcome describes.
	TaskID string `json:"task_id"`
	// WorkerID is the worker that executed the task, if one was spawned.
	WorkerID string `json:"worker_id,omitempty"`
	// State is the worker's terminal state.
	State WorkerState `json:"state"`
	// Error describes the failure, if any.
	Error string `json:"error,omitempty"`
	// Merged is true if the task's workspace was integrated into the base line.
	Merged bool `json:"merged"`
	// DurationSeconds is the wall-clock execution time of the worker.
	DurationSeconds float64 `json:"duration_seconds"`
}

// MergeConflict records one conflicting pair of accepted workspaces.
// Conflicts never block merging of unrelated workspaces.
type MergeConflict struct {
	// WorkspaceA is the workspace already integrated when the conflict
	// was detected.
	WorkspaceA string `json:"workspace_a"`
	// WorkspaceB is the workspace whose integration was halted.
	WorkspaceB string `json:"workspace_b"`
	// Paths lists the conflicting resources.
	Paths []string `json:"paths"`
}

// RunReport is the single end-of-run summary: every task's final
// state, every decision, and every merge conflict. Partial success is
// a reportable outcome, not an error.
type RunReport struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the run completed.
	FinishedAt time.Time `json:"finished_at"`
	// Outcomes holds the terminal record for every task in the cohort.
	Outcomes []TaskOutcome `json:"outcomes"`
	// Decisions holds every decision, resolved or not.
	Decisions []Decision `json:"decisions,omitempty"`
	// Conflicts holds every merge conflict surfaced by the merger.
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
	// Fatal describes an orchestration error that aborted the run
	// before any worker ran.
	Fatal string `json:"fatal,omitempty"`
	// Cancelled is true if the run was cancelled before completion.
	Cancelled bool `json:"cancelled"`
}

// ExitCode maps the report to the process exit code: 0 when every
// worker completed and merged cleanly, 1 when some workers failed,
// drifted, timed out, or could not be merged but the run completed,
// 2 on a fatal orchestration error.
func (r *RunReport) ExitCode() int {
	if r.Fatal != "" {
		return 2
	}
	if r.Cancelled {
		return 1
	}
	for _, o := range r.Outcomes {
		if o.State != WorkerStateCompleted || !o.Merged {
			return 1
		}
	}
	if len(r.Conflicts) > 0 {
		return 1
	}
	return 0
}

// Accepted returns the outcomes whose workers completed successfully.
func (r *RunReport) Accepted() []TaskOutcome {
	var out []TaskOutcome
	for _, o := range r.Outcomes {
		if o.State == WorkerStateCompleted {
			out = append(out, o)
		}
	}
	return out
}
