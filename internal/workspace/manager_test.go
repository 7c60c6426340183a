package workspace

import (
	"errors"
	"testing"

	"github.com/cohortlabs/cohort/internal/git"
	"github.com/cohortlabs/cohort/pkg/models"
)

// fakeGit implements git.Runner with recorded calls for testing.
type fakeGit struct {
	worktrees       []string
	deletedBranches []string
	removedPaths    []string
	addFail         error
	dirty           bool
	adds            []string
	commits         []string
}

func (f *fakeGit) CheckoutBranch(name string) error { return nil }
func (f *fakeGit) DeleteBranch(name string) error {
	f.deletedBranches = append(f.deletedBranches, name)
	return nil
}
func (f *fakeGit) Status() (string, error) { return "", nil }
func (f *fakeGit) HasChanges() (bool, error) {
	return f.dirty, nil
}
func (f *fakeGit) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) ConflictedFiles() ([]string, error) { return nil, nil }
func (f *fakeGit) Add(paths ...string) error {
	f.adds = append(f.adds, paths...)
	return nil
}
func (f *fakeGit) Commit(message string) error {
	f.commits = append(f.commits, message)
	return nil
}
func (f *fakeGit) MergeNoFFMessage(branch, message string) error { return nil }
func (f *fakeGit) MergeAbort() error                             { return nil }
func (f *fakeGit) WorktreeAddNewBranchFrom(path, branch, base string) error {
	if f.addFail != nil {
		return f.addFail
	}
	f.worktrees = append(f.worktrees, path)
	return nil
}
func (f *fakeGit) WorktreeRemove(path string) error {
	f.removedPaths = append(f.removedPaths, path)
	return nil
}
func (f *fakeGit) WorktreeListPorcelain() (string, error) { return "", nil }
func (f *fakeGit) WorktreePruneExpireNow() error          { return nil }

var _ git.Runner = (*fakeGit)(nil)

func newTestManager(t *testing.T, fg *fakeGit) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), fg, "main", func(path string) git.Runner { return fg })
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestProvision(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	ws, err := m.Provision("t1")
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if ws.OwnerTaskID != "t1" {
		t.Errorf("OwnerTaskID = %q, want t1", ws.OwnerTaskID)
	}
	if ws.State != models.WorkspaceStateProvisioned {
		t.Errorf("State = %q, want provisioned", ws.State)
	}
	if len(fg.worktrees) != 1 {
		t.Errorf("worktree add calls = %d, want 1", len(fg.worktrees))
	}
}

func TestProvision_Isolation(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	a, err := m.Provision("t1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Provision("t2")
	if err != nil {
		t.Fatal(err)
	}

	if a.RootPath == b.RootPath {
		t.Error("workspaces for distinct tasks must not share a path")
	}
	if a.BranchRef == b.BranchRef {
		t.Error("workspaces for distinct tasks must not share a branch")
	}
}

func TestProvision_SecondLiveWorkspaceRejected(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	if _, err := m.Provision("t1"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Provision("t1")
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("second provision for same task should fail with *AllocationError, got %v", err)
	}
}

func TestProvision_BranchFailure(t *testing.T) {
	fg := &fakeGit{addFail: errors.New("disk full")}
	m := newTestManager(t, fg)

	_, err := m.Provision("t1")
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("error should be *AllocationError, got %T", err)
	}
	if allocErr.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", allocErr.TaskID)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	ws, err := m.Provision("t1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(ws.ID, ReleaseDiscard); err != nil {
		t.Fatalf("first Release() error: %v", err)
	}
	if err := m.Release(ws.ID, ReleaseDiscard); err != nil {
		t.Fatalf("second Release() should be a no-op, got %v", err)
	}

	if len(fg.removedPaths) != 1 {
		t.Errorf("worktree remove calls = %d, want 1 (no double-free)", len(fg.removedPaths))
	}
	if len(fg.deletedBranches) != 1 {
		t.Errorf("branch delete calls = %d, want 1", len(fg.deletedBranches))
	}
	if ws.State != models.WorkspaceStateDiscarded {
		t.Errorf("State = %q, want discarded", ws.State)
	}
}

func TestRelease_KeepRetainsBranch(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	ws, err := m.Provision("t1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(ws.ID, ReleaseKeep); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if len(fg.deletedBranches) != 0 {
		t.Error("keep mode should not delete the branch")
	}
	if ws.State != models.WorkspaceStateKept {
		t.Errorf("State = %q, want kept", ws.State)
	}
}

func TestRelease_UnknownWorkspaceIsNoOp(t *testing.T) {
	m := newTestManager(t, &fakeGit{})
	if err := m.Release("ws-missing", ReleaseDiscard); err != nil {
		t.Errorf("releasing unknown workspace should be a no-op, got %v", err)
	}
}

func TestHarvest(t *testing.T) {
	fg := &fakeGit{dirty: true}
	m := newTestManager(t, fg)

	ws, err := m.Provision("t1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Harvest(ws.ID); err != nil {
		t.Fatalf("Harvest() error: %v", err)
	}
	if len(fg.adds) != 1 || len(fg.commits) != 1 {
		t.Errorf("harvest should stage and commit once, got adds=%d commits=%d", len(fg.adds), len(fg.commits))
	}

	// Clean workspace harvests without committing.
	fg.dirty = false
	ws2, err := m.Provision("t2")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Harvest(ws2.ID); err != nil {
		t.Fatalf("Harvest() on clean workspace error: %v", err)
	}
	if len(fg.commits) != 1 {
		t.Error("clean workspace should not produce a commit")
	}
}

func TestRelease_DiscardAfterKeepDeletesBranch(t *testing.T) {
	fg := &fakeGit{}
	m := newTestManager(t, fg)

	ws, err := m.Provision("t1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(ws.ID, ReleaseKeep); err != nil {
		t.Fatalf("keep Release() error: %v", err)
	}
	if err := m.Release(ws.ID, ReleaseDiscard); err != nil {
		t.Fatalf("discard after keep error: %v", err)
	}

	if len(fg.removedPaths) != 1 {
		t.Errorf("worktree remove calls = %d, want 1", len(fg.removedPaths))
	}
	if len(fg.deletedBranches) != 1 {
		t.Errorf("branch delete calls = %d, want 1", len(fg.deletedBranches))
	}
	if ws.State != models.WorkspaceStateDiscarded {
		t.Errorf("State = %q, want discarded", ws.State)
	}
}
