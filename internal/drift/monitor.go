// Package drift watches a worker's filesystem footprint for scope
// violations.
package drift

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cohortlabs/cohort/internal/scope"
)

// Violation is a confirmed scope breach. It is terminal for the
// worker, not fatal to the run.
type Violation struct {
	WorkerID string
	Paths    []string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return "worker " + v.WorkerID + " drifted out of scope: " + strings.Join(v.Paths, ", ")
}

// Verdict is the result of one drift sample.
type Verdict struct {
	// InScope is false when the current footprint violates the guardrails.
	InScope bool
	// Violations lists the offending paths, if any.
	Violations []string
	// Drifted is true once the debounce threshold of consecutive
	// violating samples has been reached.
	Drifted bool
}

// Monitor tracks one worker's touched paths against its task's scope
// checker. Declaring drift requires strikes consecutive violating
// samples; a compliant sample resets the count, so a transient false
// positive from an incomplete write never kills a worker.
type Monitor struct {
	workerID string
	root     string
	checker  *scope.Checker
	strikes  int

	mu          sync.Mutex
	touched     map[string]bool
	consecutive int
	drifted     bool
	checkpoints int
}

// NewMonitor creates a monitor for the worker operating under root.
// strikes is the debounce threshold; values below 1 are clamped to 2.
func NewMonitor(workerID, root string, checker *scope.Checker, strikes int) *Monitor {
	if strikes < 1 {
		strikes = 2
	}
	return &Monitor{
		workerID: workerID,
		root:     root,
		checker:  checker,
		strikes:  strikes,
		touched:  make(map[string]bool),
	}
}

// Observe records workspace-relative paths as part of the worker's
// footprint. Internal version-control paths are ignored.
func (m *Monitor) Observe(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		p = filepath.ToSlash(p)
		if p == "" || p == "." || strings.HasPrefix(p, ".git/") || p == ".git" {
			continue
		}
		m.touched[p] = true
	}
}

// Sample evaluates the current footprint and advances the debounce
// counter. Paths that vanished since they were observed are pruned
// first: an incomplete-write artifact deleted before the sample was
// never part of the footprint, and must not feed a strike forever.
// Once drift is declared every later sample reports it too.
func (m *Monitor) Sample() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.touched))
	for p := range m.touched {
		if _, err := os.Stat(filepath.Join(m.root, filepath.FromSlash(p))); err != nil {
			delete(m.touched, p)
			continue
		}
		paths = append(paths, p)
	}
	violations := m.checker.Violations(paths)

	if m.drifted {
		return Verdict{InScope: len(violations) == 0, Violations: violations, Drifted: true}
	}

	if len(violations) == 0 {
		m.consecutive = 0
		return Verdict{InScope: true}
	}

	m.consecutive++
	if m.consecutive >= m.strikes {
		m.drifted = true
	}
	return Verdict{InScope: false, Violations: violations, Drifted: m.drifted}
}

// CheckpointArrived notes one checkpoint and reports whether the
// every-K cadence is due. every values below 1 never trigger.
func (m *Monitor) CheckpointArrived(every int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return every > 0 && m.checkpoints%every == 0
}

// Run samples on the given interval and watches the workspace tree for
// writes until ctx is cancelled. onDrift fires exactly once, with the
// confirmed violation. Watch errors degrade the monitor to
// checkpoint-reported paths only; they do not abort supervision.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onDrift func(*Violation)) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		m.watchTree(watcher)
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			if rel, err := filepath.Rel(m.root, ev.Name); err == nil {
				m.Observe(rel)
			}
			// New directories must be watched for writes beneath them.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}

		case <-ticker.C:
			v := m.Sample()
			if v.Drifted {
				onDrift(&Violation{WorkerID: m.workerID, Paths: v.Violations})
				return
			}
		}
	}
}

// watchTree adds the workspace root and every existing subdirectory to
// the watcher, skipping version-control internals.
func (m *Monitor) watchTree(watcher *fsnotify.Watcher) {
	_ = filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			_ = watcher.Add(path)
		}
		return nil
	})
}
