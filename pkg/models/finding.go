package models

import (
	"encoding/json"
	"time"
)

// FindingKind classifies an entry on the communication bus.
type FindingKind string

const (
	// FindingCheckpoint carries a CheckpointPayload progress snapshot.
	FindingCheckpoint FindingKind = "checkpoint"
	// FindingVote carries a VotePayload for an open decision.
	FindingVote FindingKind = "vote"
	// FindingNote carries free-form text for sibling workers to read.
	FindingNote FindingKind = "note"
	// FindingStatus carries a worker's self-reported status line.
	FindingStatus FindingKind = "status"
)

// Valid returns true if the kind is a known value.
func (k FindingKind) Valid() bool {
	switch k {
	case FindingCheckpoint, FindingVote, FindingNote, FindingStatus:
		return true
	default:
		return false
	}
}

// Finding is one append-only bus entry. Entries are totally ordered by
// Seq across all authors; every reader observes the same interleaving.
type Finding struct {
	// Seq is the global bus sequence number, starting at 1.
	Seq uint64 `json:"seq"`
	// AuthorID is the worker (or orchestrator) that wrote the entry.
	// Each author writes only to its own keyspace.
	AuthorID string `json:"author_id"`
	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
	// Kind classifies the payload.
	Kind FindingKind `json:"kind"`
	// Payload is the kind-specific body, opaque to the bus.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CheckpointPayload is the body of a FindingCheckpoint entry.
type CheckpointPayload struct {
	// TouchedPaths lists workspace-relative paths touched since the
	// previous checkpoint.
	TouchedPaths []string `json:"touched_paths,omitempty"`
	// ToolCalls is the cumulative tool invocation count.
	ToolCalls int `json:"tool_calls,omitempty"`
}

// VotePayload is the body of a FindingVote entry.
type VotePayload struct {
	// DecisionID is the decision being voted on.
	DecisionID string `json:"decision_id"`
	// Value is the supported value.
	Value string `json:"value"`
	// Weight is the voter weight; zero means 1.
	Weight int `json:"weight,omitempty"`
}
