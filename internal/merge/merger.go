// Package merge integrates surviving workspace branches back onto the
// base ref, one at a time, in deterministic order.
package merge

import (
	"fmt"
	"sort"

	"github.com/cohortlabs/cohort/internal/git"
	"github.com/cohortlabs/cohort/pkg/models"
)

// Candidate is one workspace branch eligible for integration.
type Candidate struct {
	TaskID      string
	WorkspaceID string
	Branch      string
}

// Result summarizes a single integration pass.
type Result struct {
	// Merged lists workspace IDs integrated onto the base ref, in order.
	Merged []string
	// Conflicts records every pair of workspaces whose changes collided.
	Conflicts []models.MergeConflict
	// Failed lists workspace IDs skipped for non-conflict git errors.
	Failed map[string]string
}

// Merger folds workspace branches into the base ref with --no-ff
// merges. Candidates are processed in ascending task ID order so two
// runs over the same inputs produce the same history.
type Merger struct {
	git     git.Runner
	baseRef string
}

// New creates a merger operating on the primary repository.
func New(runner git.Runner, baseRef string) *Merger {
	return &Merger{git: runner, baseRef: baseRef}
}

// Merge integrates every candidate branch onto the base ref. A
// conflicting candidate is aborted and recorded; the remaining
// candidates are still attempted. The base ref is left checked out.
func (m *Merger) Merge(candidates []Candidate) (*Result, error) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	if err := m.git.CheckoutBranch(m.baseRef); err != nil {
		return nil, fmt.Errorf("checkout base ref %s: %w", m.baseRef, err)
	}

	result := &Result{Failed: make(map[string]string)}
	// touchedBy maps each path to the most recently merged workspace
	// that changed it, for conflict attribution.
	touchedBy := make(map[string]string)

	for _, c := range sorted {
		changed, err := m.git.ChangedFilesRelative(c.Branch, m.baseRef)
		if err != nil {
			result.Failed[c.WorkspaceID] = fmt.Sprintf("diff against base: %v", err)
			continue
		}

		message := fmt.Sprintf("cohort: merge task %s (%s)", c.TaskID, c.WorkspaceID)
		if err := m.git.MergeNoFFMessage(c.Branch, message); err != nil {
			conflicted, cfErr := m.git.ConflictedFiles()
			if abortErr := m.git.MergeAbort(); abortErr != nil {
				return result, fmt.Errorf("abort merge of %s: %w", c.Branch, abortErr)
			}
			if cfErr != nil || len(conflicted) == 0 {
				result.Failed[c.WorkspaceID] = fmt.Sprintf("merge: %v", err)
				continue
			}
			result.Conflicts = append(result.Conflicts, attributeConflicts(touchedBy, m.baseRef, c.WorkspaceID, conflicted)...)
			continue
		}

		for _, path := range changed {
			touchedBy[path] = c.WorkspaceID
		}
		result.Merged = append(result.Merged, c.WorkspaceID)
	}

	return result, nil
}

// attributeConflicts groups the conflicted paths by the workspace that
// last touched them. Paths nobody merged before conflict with the base
// ref itself.
func attributeConflicts(touchedBy map[string]string, baseRef, current string, paths []string) []models.MergeConflict {
	byOwner := make(map[string][]string)
	for _, path := range paths {
		owner, ok := touchedBy[path]
		if !ok {
			owner = baseRef
		}
		byOwner[owner] = append(byOwner[owner], path)
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	conflicts := make([]models.MergeConflict, 0, len(owners))
	for _, owner := range owners {
		sort.Strings(byOwner[owner])
		conflicts = append(conflicts, models.MergeConflict{
			WorkspaceA: owner,
			WorkspaceB: current,
			Paths:      byOwner[owner],
		})
	}
	return conflicts
}
