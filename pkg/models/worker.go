package models

import "time"

// WorkerState represents the current state of a worker.
type WorkerState string

const (
	// WorkerStateProvisioning indicates the worker's workspace is being set up.
	WorkerStateProvisioning WorkerState = "provisioning"
	// WorkerStateRunning indicates the worker process is executing.
	WorkerStateRunning WorkerState = "running"
	// WorkerStateStalled indicates no checkpoint has arrived within the
	// grace period. The worker returns to running if one arrives before
	// the stall timeout elapses.
	WorkerStateStalled WorkerState = "stalled"
	// WorkerStateCompleted indicates the worker exited with status zero.
	WorkerStateCompleted WorkerState = "completed"
	// WorkerStateFailed indicates the worker exited non-zero or could
	// not be spawned.
	WorkerStateFailed WorkerState = "failed"
	// WorkerStateTimedOut indicates the task deadline or stall timeout expired.
	WorkerStateTimedOut WorkerState = "timed_out"
	// WorkerStateDrifted indicates the drift monitor confirmed a scope
	// violation and the worker was force-terminated.
	WorkerStateDrifted WorkerState = "drifted"
)

// Valid returns true if the state is a known value.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerStateProvisioning, WorkerStateRunning, WorkerStateStalled,
		WorkerStateCompleted, WorkerStateFailed, WorkerStateTimedOut, WorkerStateDrifted:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from s.
func (s WorkerState) Terminal() bool {
	switch s {
	case WorkerStateCompleted, WorkerStateFailed, WorkerStateTimedOut, WorkerStateDrifted:
		return true
	default:
		return false
	}
}

// Worker represents one supervised worker process bound to a task.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// TaskID is the task this worker is executing.
	TaskID string `json:"task_id"`
	// PID is the operating system process ID, if the process started.
	PID int `json:"pid,omitempty"`
	// State is the current lifecycle state.
	State WorkerState `json:"state"`
	// StartedAt is when the worker process was spawned.
	StartedAt time.Time `json:"started_at"`
	// LastCheckpointAt is when the most recent checkpoint arrived.
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`
	// ToolCallCount is the number of tool invocations the worker has
	// reported via checkpoints.
	ToolCallCount int `json:"tool_call_count"`
}

// Checkpoint is a periodic, append-only progress snapshot used for
// stall and drift detection. Sequence numbers for a given worker are
// strictly increasing with no gaps.
type Checkpoint struct {
	// WorkerID identifies the worker this checkpoint belongs to.
	WorkerID string `json:"worker_id"`
	// Sequence is the per-worker checkpoint sequence number, starting at 1.
	Sequence uint64 `json:"sequence"`
	// Timestamp is when the checkpoint was recorded.
	Timestamp time.Time `json:"timestamp"`
	// DiffSummary lists the workspace-relative paths touched so far.
	DiffSummary []string `json:"diff_summary,omitempty"`
}
