// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another. Uses the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// Add stages the specified files for commit.
	Add(paths ...string) error
	// Commit creates a new commit with the given message.
	Commit(message string) error
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the specified branch with --no-ff and a
	// custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranchFrom creates a worktree with a new branch
	// starting at the given base ref (git worktree add -b <branch> <path> <base>).
	WorktreeAddNewBranchFrom(path, branch, base string) error
	// WorktreeRemove removes the worktree at the given path (forced).
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns the raw porcelain worktree listing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes stale worktrees with --expire now.
	WorktreePruneExpireNow() error
}

// Runner is the full set of git operations used by cohort.
// This abstraction allows mocking git in tests.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
}
