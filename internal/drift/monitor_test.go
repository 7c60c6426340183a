package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cohortlabs/cohort/internal/scope"
)

// touch creates a file under root, with parent directories as needed.
func touch(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSample_InScope(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"internal/**"}), 2)
	touch(t, root, "internal/parser/lexer.go")
	m.Observe("internal/parser/lexer.go")

	v := m.Sample()
	if !v.InScope || v.Drifted {
		t.Errorf("Sample() = %+v, want in scope", v)
	}
}

func TestSample_TwoConsecutiveViolationsDeclareDrift(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"internal/**"}), 2)
	touch(t, root, "cmd/main.go")
	m.Observe("cmd/main.go")

	first := m.Sample()
	if first.InScope {
		t.Error("first sample should report the violation")
	}
	if first.Drifted {
		t.Error("one violating sample must not declare drift")
	}

	second := m.Sample()
	if !second.Drifted {
		t.Error("two consecutive violating samples should declare drift")
	}
	if len(second.Violations) != 1 || second.Violations[0] != "cmd/main.go" {
		t.Errorf("Violations = %v, want [cmd/main.go]", second.Violations)
	}
}

func TestSample_VanishedPathIsPruned(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker(nil), 2)
	m.checker.Deny("**/*.tmp")

	path := touch(t, root, "scratch.tmp")
	m.Observe("scratch.tmp")
	if v := m.Sample(); v.Drifted {
		t.Fatal("single violation should not drift")
	}

	// The incomplete write disappears before the next sample.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if v := m.Sample(); !v.InScope {
		t.Fatal("sample after cleanup should be in scope")
	}

	// A later single violation starts the count over.
	touch(t, root, "again.tmp")
	m.Observe("again.tmp")
	if v := m.Sample(); v.Drifted {
		t.Error("strike count should have reset after the compliant sample")
	}
}

func TestSample_DriftIsSticky(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"pkg/**"}), 1)
	touch(t, root, "main.go")
	m.Observe("main.go")

	if v := m.Sample(); !v.Drifted {
		t.Fatal("strike threshold 1 should drift immediately")
	}
	if v := m.Sample(); !v.Drifted {
		t.Error("drift must remain declared on later samples")
	}
}

func TestObserve_IgnoresGitInternals(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"pkg/**"}), 2)
	m.Observe(".git/objects/ab/cdef", ".git", ".")

	if v := m.Sample(); !v.InScope {
		t.Errorf("git internals should not count as footprint, got %+v", v)
	}
}

func TestCheckpointArrived_Cadence(t *testing.T) {
	m := NewMonitor("w1", t.TempDir(), scope.NewChecker(nil), 2)

	due := 0
	for i := 0; i < 6; i++ {
		if m.CheckpointArrived(3) {
			due++
		}
	}
	if due != 2 {
		t.Errorf("every-3 cadence fired %d times over 6 checkpoints, want 2", due)
	}

	if m.CheckpointArrived(0) {
		t.Error("cadence of 0 should never fire")
	}
}

func TestRun_DeclaresDriftViaWatcher(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"allowed/**"}), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	driftCh := make(chan *Violation, 1)
	go m.Run(ctx, 20*time.Millisecond, func(v *Violation) { driftCh <- v })

	// Give the watcher a moment to arm, then write out of scope.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "rogue.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-driftCh:
		if v.WorkerID != "w1" {
			t.Errorf("WorkerID = %q, want w1", v.WorkerID)
		}
	case <-ctx.Done():
		t.Fatal("drift was not declared before timeout")
	}
}

func TestRun_TransientArtifactDoesNotDrift(t *testing.T) {
	root := t.TempDir()
	m := NewMonitor("w1", root, scope.NewChecker([]string{"allowed/**"}), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driftCh := make(chan *Violation, 1)
	go m.Run(ctx, 100*time.Millisecond, func(v *Violation) { driftCh <- v })

	// An out-of-scope file that exists only briefly, gone well before
	// a second sample could confirm a violation.
	time.Sleep(30 * time.Millisecond)
	path := filepath.Join(root, "partial.tmp")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-driftCh:
		t.Fatalf("transient artifact drifted the worker: %v", v.Paths)
	case <-time.After(500 * time.Millisecond):
	}
}
