// Package models defines the shared data types for cohort runs.
package models

import "time"

// Task represents one unit of work assigned to a single worker.
// A Task is immutable once assigned; only the orchestrator creates them.
type Task struct {
	// ID is the unique identifier for this task. Merge order is
	// determined by ascending task ID.
	ID string `json:"id"`
	// Description is the opaque task text handed to the worker process.
	Description string `json:"description"`
	// AssignedWorkspace is the ID of the workspace provisioned for this
	// task, set by the orchestrator at dispatch time.
	AssignedWorkspace string `json:"assigned_workspace,omitempty"`
	// ScopeGuardrails lists the path globs (relative to the workspace
	// root) the worker is permitted to touch. Empty means unrestricted.
	ScopeGuardrails []string `json:"scope_guardrails,omitempty"`
	// TimeoutSeconds is the hard deadline for the worker process.
	TimeoutSeconds int `json:"timeout_seconds"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}

// Timeout returns the task timeout as a duration. Zero means no limit.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// WorkspaceState represents the lifecycle state of a workspace.
type WorkspaceState string

const (
	// WorkspaceStateProvisioned indicates the workspace exists and is
	// owned by its task's worker.
	WorkspaceStateProvisioned WorkspaceState = "provisioned"
	// WorkspaceStateKept indicates the workspace was released with its
	// contents retained for merging.
	WorkspaceStateKept WorkspaceState = "kept"
	// WorkspaceStateDiscarded indicates the workspace and its branch
	// have been destroyed.
	WorkspaceStateDiscarded WorkspaceState = "discarded"
)

// Valid returns true if the state is a known value.
func (s WorkspaceState) Valid() bool {
	switch s {
	case WorkspaceStateProvisioned, WorkspaceStateKept, WorkspaceStateDiscarded:
		return true
	default:
		return false
	}
}

// Workspace is an isolated working directory plus branch owned by
// exactly one worker until released.
type Workspace struct {
	// ID is the unique identifier for this workspace.
	ID string `json:"id"`
	// RootPath is the absolute path to the workspace directory.
	RootPath string `json:"root_path"`
	// BranchRef is the branch created from the base reference.
	BranchRef string `json:"branch_ref"`
	// OwnerTaskID is the task this workspace was provisioned for.
	OwnerTaskID string `json:"owner_task_id"`
	// State is the current lifecycle state.
	State WorkspaceState `json:"state"`
}
