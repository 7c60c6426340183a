// Package workspace provisions isolated working directories for workers.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cohortlabs/cohort/internal/git"
	"github.com/cohortlabs/cohort/pkg/models"
)

// ReleaseMode controls what happens to a workspace on release.
type ReleaseMode string

const (
	// ReleaseKeep retains the workspace branch and contents so the
	// merger can read them.
	ReleaseKeep ReleaseMode = "keep"
	// ReleaseDiscard removes the worktree and deletes its branch.
	ReleaseDiscard ReleaseMode = "discard"
)

// AllocationError reports a failure to branch or copy the base line
// into a new workspace. It is fatal for the affected task only.
type AllocationError struct {
	TaskID string
	Err    error
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate workspace for task %s: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *AllocationError) Unwrap() error { return e.Err }

// RunnerFactory creates a git runner rooted at the given path. It
// exists so tests can substitute fakes for per-worktree operations.
type RunnerFactory func(path string) git.Runner

// Manager creates and destroys isolated workspaces. It is the sole
// authority over workspace lifecycle: one live workspace per task,
// never a shared mutable path between two tasks.
type Manager struct {
	baseDir    string
	repoGit    git.Runner
	baseRef    string
	newRunner  RunnerFactory
	workspaces map[string]*models.Workspace
	byTask     map[string]string
	released   map[string]bool
	mu         sync.Mutex
}

// NewManager creates a workspace manager. baseDir is where worktrees
// are created; baseRef is the fixed reference every workspace branches
// from.
func NewManager(baseDir string, repoGit git.Runner, baseRef string, newRunner RunnerFactory) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	if newRunner == nil {
		newRunner = func(path string) git.Runner { return git.NewRunner(path) }
	}
	return &Manager{
		baseDir:    baseDir,
		repoGit:    repoGit,
		baseRef:    baseRef,
		newRunner:  newRunner,
		workspaces: make(map[string]*models.Workspace),
		byTask:     make(map[string]string),
		released:   make(map[string]bool),
	}, nil
}

// Provision allocates an isolated workspace for the given task: a new
// worktree on a fresh branch cut from the base reference. Returns an
// *AllocationError if the branch cannot be created or the task already
// owns a live workspace.
func (m *Manager) Provision(taskID string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wsID, ok := m.byTask[taskID]; ok && !m.released[wsID] {
		return nil, &AllocationError{TaskID: taskID, Err: fmt.Errorf("task already owns live workspace %s", wsID)}
	}

	id := "ws-" + uuid.New().String()[:8]
	branch := "cohort/" + id
	path := filepath.Join(m.baseDir, id)

	if err := m.repoGit.WorktreeAddNewBranchFrom(path, branch, m.baseRef); err != nil {
		return nil, &AllocationError{TaskID: taskID, Err: err}
	}

	ws := &models.Workspace{
		ID:          id,
		RootPath:    path,
		BranchRef:   branch,
		OwnerTaskID: taskID,
		State:       models.WorkspaceStateProvisioned,
	}
	m.workspaces[id] = ws
	m.byTask[taskID] = id
	return ws, nil
}

// Get returns the workspace with the given ID, or nil.
func (m *Manager) Get(id string) *models.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[id]
}

// ByTask returns the workspace most recently provisioned for the task,
// or nil.
func (m *Manager) ByTask(taskID string) *models.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wsID, ok := m.byTask[taskID]; ok {
		return m.workspaces[wsID]
	}
	return nil
}

// Harvest commits all outstanding changes inside the workspace so its
// branch captures the worker's final artifact. A workspace with no
// changes harvests cleanly.
func (m *Manager) Harvest(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("harvest: unknown workspace %s", id)
	}

	wsGit := m.newRunner(ws.RootPath)
	dirty, err := wsGit.HasChanges()
	if err != nil {
		return fmt.Errorf("harvest workspace %s: %w", id, err)
	}
	if !dirty {
		return nil
	}
	if err := wsGit.Add("."); err != nil {
		return fmt.Errorf("harvest workspace %s: %w", id, err)
	}
	if err := wsGit.Commit(fmt.Sprintf("cohort: harvest task %s", ws.OwnerTaskID)); err != nil {
		return fmt.Errorf("harvest workspace %s: %w", id, err)
	}
	return nil
}

// Release tears down a workspace. Idempotent: releasing an
// already-released workspace with the same mode is a no-op, not an
// error. ReleaseKeep removes the worktree but keeps the branch;
// ReleaseDiscard deletes both. Discarding a workspace previously
// released with keep deletes the retained branch.
func (m *Manager) Release(id string, mode ReleaseMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil
	}
	if m.released[id] {
		if mode == ReleaseDiscard && ws.State == models.WorkspaceStateKept {
			if err := m.repoGit.DeleteBranch(ws.BranchRef); err != nil {
				return fmt.Errorf("release workspace %s: delete branch: %w", id, err)
			}
			ws.State = models.WorkspaceStateDiscarded
		}
		return nil
	}
	m.released[id] = true

	if err := m.repoGit.WorktreeRemove(ws.RootPath); err != nil {
		// The directory may already be gone; log-level concern only.
		_ = os.RemoveAll(ws.RootPath)
	}

	if mode == ReleaseDiscard {
		if err := m.repoGit.DeleteBranch(ws.BranchRef); err != nil {
			return fmt.Errorf("release workspace %s: delete branch: %w", id, err)
		}
		ws.State = models.WorkspaceStateDiscarded
		return nil
	}
	ws.State = models.WorkspaceStateKept
	return nil
}

// StartupCleanup prunes stale worktrees left behind by a previous
// crashed run. Returns the paths it removed.
func (m *Manager) StartupCleanup() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.repoGit.WorktreePruneExpireNow(); err != nil {
		return nil, fmt.Errorf("prune worktrees: %w", err)
	}

	out, err := m.repoGit.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	known := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			known[strings.TrimPrefix(line, "worktree ")] = true
		}
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace base directory: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if known[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}
