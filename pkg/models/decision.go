package models

import "time"

// Policy selects the voting rule used to resolve a decision.
type Policy string

const (
	// PolicyMajority resolves to the value with the most votes once a
	// simple majority quorum is met. Ties leave the decision open.
	PolicyMajority Policy = "majority"
	// PolicyWeighted resolves to the value whose summed voter weight is
	// strictly greater than half of the total weight.
	PolicyWeighted Policy = "weighted"
	// PolicyByzantine requires agreement from at least 2n/3+1 voters to
	// tolerate up to f faulty participants.
	PolicyByzantine Policy = "byzantine"
)

// Valid returns true if the policy is a known value.
func (p Policy) Valid() bool {
	switch p {
	case PolicyMajority, PolicyWeighted, PolicyByzantine:
		return true
	default:
		return false
	}
}

// Vote is a single voter's position on a decision. A voter casting
// again before resolution replaces their prior vote (latest wins).
type Vote struct {
	// DecisionID is the decision being voted on.
	DecisionID string `json:"decision_id"`
	// VoterID identifies the voter; one live vote per voter.
	VoterID string `json:"voter_id"`
	// Value is the opaque value the voter supports.
	Value string `json:"value"`
	// Weight is the voter's integer weight. Zero is treated as 1.
	Weight int `json:"weight,omitempty"`
}

// Decision is a question a cohort of workers must agree on. It is
// resolved at most once; votes arriving afterwards are kept for audit
// but never change the resolved value.
type Decision struct {
	// ID is the unique identifier for this decision.
	ID string `json:"id"`
	// RequiredQuorum is the number of voters expected to participate.
	RequiredQuorum int `json:"required_quorum"`
	// Policy is the voting rule applied at resolution.
	Policy Policy `json:"policy"`
	// Votes holds the live vote per voter plus post-resolution audit votes.
	Votes []Vote `json:"votes,omitempty"`
	// ResolvedValue is the accepted value, nil while the decision is open.
	ResolvedValue *string `json:"resolved_value,omitempty"`
	// ResolvedAt is when the decision was resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved returns true if the decision has been resolved.
func (d *Decision) Resolved() bool {
	return d.ResolvedValue != nil
}
