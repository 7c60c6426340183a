// Package consensus resolves decisions voted on by a cohort of workers.
package consensus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cohortlabs/cohort/pkg/models"
)

// Option configures an opened decision.
type Option func(*decisionState)

// WithTieBreak supplies the value preferred when a majority vote ties
// between leaders that include it.
func WithTieBreak(value string) Option {
	return func(s *decisionState) { s.tieBreak = value }
}

// WithWeights fixes the total voting weight from per-voter weights.
// Voters not listed carry weight 1.
func WithWeights(weights map[string]int) Option {
	return func(s *decisionState) {
		s.weights = make(map[string]int, len(weights))
		for k, v := range weights {
			s.weights[k] = v
		}
	}
}

// decisionState is the engine's mutable record for one decision.
type decisionState struct {
	decision models.Decision
	// live holds the current vote per voter; re-voting before
	// resolution overwrites (latest wins).
	live map[string]models.Vote
	// audit holds votes that arrived after resolution. They are
	// recorded but never change the resolved value.
	audit    []models.Vote
	tieBreak string
	weights  map[string]int
}

// Engine tallies votes and applies a per-decision policy. Resolution
// is commutative over vote arrival order and happens at most once.
type Engine struct {
	decisions map[string]*decisionState
	mu        sync.Mutex
}

// NewEngine creates an empty consensus engine.
func NewEngine() *Engine {
	return &Engine{decisions: make(map[string]*decisionState)}
}

// Open registers a decision with its policy and expected voter count.
func (e *Engine) Open(id string, policy models.Policy, voters int, opts ...Option) error {
	if !policy.Valid() {
		return fmt.Errorf("open decision %s: unknown policy %q", id, policy)
	}
	if voters <= 0 {
		return fmt.Errorf("open decision %s: voter count must be positive", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.decisions[id]; ok {
		return fmt.Errorf("open decision %s: already open", id)
	}

	s := &decisionState{
		decision: models.Decision{
			ID:             id,
			RequiredQuorum: voters,
			Policy:         policy,
		},
		live: make(map[string]models.Vote),
	}
	for _, opt := range opts {
		opt(s)
	}
	e.decisions[id] = s
	return nil
}

// CastVote records a vote. Before resolution a voter's new vote
// replaces their prior one; after resolution votes are kept for audit
// only. Returns true if this vote resolved the decision.
func (e *Engine) CastVote(v models.Vote) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.decisions[v.DecisionID]
	if !ok {
		return false, fmt.Errorf("cast vote: unknown decision %s", v.DecisionID)
	}
	if v.VoterID == "" {
		return false, fmt.Errorf("cast vote: voter id is required")
	}
	if v.Weight <= 0 {
		v.Weight = 1
	}

	if s.decision.Resolved() {
		s.audit = append(s.audit, v)
		return false, nil
	}

	s.live[v.VoterID] = v
	return e.tryResolveLocked(s), nil
}

// Get returns a snapshot of the decision, or nil if unknown.
func (e *Engine) Get(id string) *models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.decisions[id]
	if !ok {
		return nil
	}
	d := s.snapshot()
	return &d
}

// All returns snapshots of every decision, ordered by ID.
func (e *Engine) All() []models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Decision, 0, len(e.decisions))
	for _, s := range e.decisions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot copies the decision with its current vote set.
func (s *decisionState) snapshot() models.Decision {
	d := s.decision

	voters := make([]string, 0, len(s.live))
	for id := range s.live {
		voters = append(voters, id)
	}
	sort.Strings(voters)

	d.Votes = make([]models.Vote, 0, len(s.live)+len(s.audit))
	for _, id := range voters {
		d.Votes = append(d.Votes, s.live[id])
	}
	d.Votes = append(d.Votes, s.audit...)
	return d
}

// tryResolveLocked applies the decision's policy to the live votes.
// Caller must hold e.mu. Returns true if the decision resolved.
func (e *Engine) tryResolveLocked(s *decisionState) bool {
	var value string
	var ok bool

	switch s.decision.Policy {
	case models.PolicyMajority:
		value, ok = resolveMajority(s)
	case models.PolicyWeighted:
		value, ok = resolveWeighted(s)
	case models.PolicyByzantine:
		value, ok = resolveByzantine(s)
	}
	if !ok {
		return false
	}

	now := time.Now().UTC()
	s.decision.ResolvedValue = &value
	s.decision.ResolvedAt = &now
	return true
}

// resolveMajority resolves to the value with the most votes once
// ⌊n/2⌋+1 votes have arrived. A tie between leaders stays open unless
// the tie-break value is among them.
func resolveMajority(s *decisionState) (string, bool) {
	quorum := s.decision.RequiredQuorum/2 + 1
	if len(s.live) < quorum {
		return "", false
	}

	counts := make(map[string]int)
	for _, v := range s.live {
		counts[v.Value]++
	}

	best, second := 0, 0
	var leader string
	for value, n := range counts {
		switch {
		case n > best:
			second = best
			best = n
			leader = value
		case n > second:
			second = n
		}
	}

	if best == second {
		// Tied leaders: the configured tie-break wins if it is one of them.
		if s.tieBreak != "" && counts[s.tieBreak] == best {
			return s.tieBreak, true
		}
		return "", false
	}
	return leader, true
}

// resolveWeighted resolves to the value whose summed weight is
// strictly greater than half the total weight of the cohort.
func resolveWeighted(s *decisionState) (string, bool) {
	total := 0
	if len(s.weights) > 0 {
		for _, w := range s.weights {
			total += w
		}
	} else {
		total = s.decision.RequiredQuorum
	}

	sums := make(map[string]int)
	for voter, v := range s.live {
		w := v.Weight
		if cw, ok := s.weights[voter]; ok {
			w = cw
		}
		sums[v.Value] += w
	}

	for value, sum := range sums {
		if 2*sum > total {
			return value, true
		}
	}
	return "", false
}

// resolveByzantine requires ⌊2n/3⌋+1 voters agreeing on the same value,
// tolerating up to f faulty participants.
func resolveByzantine(s *decisionState) (string, bool) {
	threshold := (2*s.decision.RequiredQuorum)/3 + 1

	counts := make(map[string]int)
	for _, v := range s.live {
		counts[v.Value]++
	}
	for value, n := range counts {
		if n >= threshold {
			return value, true
		}
	}
	return "", false
}
