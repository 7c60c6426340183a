// Package orchestrator runs a cohort: it partitions tasks onto
// isolated workers, supervises them, arbitrates decisions, and folds
// the surviving workspaces back onto the base ref.
package orchestrator

import (
	"time"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	// EventRunStarted indicates the run has begun.
	EventRunStarted EventType = "run_started"
	// EventTaskStarted indicates a worker was spawned for a task.
	EventTaskStarted EventType = "task_started"
	// EventCheckpoint indicates a worker reported a checkpoint.
	EventCheckpoint EventType = "checkpoint"
	// EventWorkerStalled indicates a worker missed its checkpoint grace window.
	EventWorkerStalled EventType = "worker_stalled"
	// EventDriftDetected indicates confirmed scope drift on a worker.
	EventDriftDetected EventType = "drift_detected"
	// EventDecisionResolved indicates a decision reached its threshold.
	EventDecisionResolved EventType = "decision_resolved"
	// EventTaskFinished indicates a worker reached a terminal state.
	EventTaskFinished EventType = "task_finished"
	// EventMergeStarted indicates workspace integration has started.
	EventMergeStarted EventType = "merge_started"
	// EventMergeConflict indicates two workspaces collided during integration.
	EventMergeConflict EventType = "merge_conflict"
	// EventRunFinished indicates the run is complete and the report is sealed.
	EventRunFinished EventType = "run_finished"
)

// Event is emitted by the coordinator as the run progresses. Events
// are advisory: dropping one never affects run state.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Sequence is the checkpoint sequence number, for checkpoint events.
	Sequence uint64
}
