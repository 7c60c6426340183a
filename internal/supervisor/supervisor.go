// Package supervisor owns the worker state machine: it spawns,
// monitors, and terminates one worker process per assigned task.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cohortlabs/cohort/internal/exec"
	"github.com/cohortlabs/cohort/pkg/models"
)

// SpawnError reports a worker process that could not be started. It is
// fatal for the affected task only.
type SpawnError struct {
	TaskID string
	Err    error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for task %s: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateReason explains why a worker was force-terminated.
type TerminateReason string

const (
	// ReasonDrift terminates a worker whose drift was confirmed.
	ReasonDrift TerminateReason = "drift"
	// ReasonTimeout terminates a worker past its deadline or stall timeout.
	ReasonTimeout TerminateReason = "timeout"
	// ReasonCancelled terminates a worker on run-level cancellation.
	ReasonCancelled TerminateReason = "cancelled"
)

// Outcome is the terminal metadata for one worker. It never carries
// the worker's semantic output; that lives in the workspace and on the
// bus.
type Outcome struct {
	WorkerID    string
	TaskID      string
	State       models.WorkerState
	ExitCode    int
	Err         string
	Cancelled   bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Checkpoints uint64
}

// Duration returns the worker's wall-clock execution time.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Config holds the supervisor's timing knobs.
type Config struct {
	// StallGrace marks a worker stalled after this long with no checkpoint.
	StallGrace time.Duration
	// StallTimeout times out a worker that stays stalled this long.
	StallTimeout time.Duration
}

// workerEntry is the supervisor's mutable record for one worker.
type workerEntry struct {
	worker  *models.Worker
	proc    exec.Process
	done    chan struct{}
	outcome Outcome
	// checkpointSeq is the last assigned sequence number for this worker.
	checkpointSeq uint64
	// lastActivity is when the most recent checkpoint arrived.
	lastActivity time.Time
	// stalledSince is set while the worker is in the stalled state.
	stalledSince time.Time
	// ctx carries the worker's per-task deadline, when one is set.
	ctx    context.Context
	cancel context.CancelFunc
}

// Supervisor launches and tracks worker processes. Awaiting one worker
// never blocks the progress of its siblings: completions are also fanned
// into a shared channel for wait-any consumption.
type Supervisor struct {
	launcher exec.Launcher
	cfg      Config

	mu      sync.Mutex
	workers map[string]*workerEntry
	// completions receives the ID of each worker reaching a terminal state.
	completions chan string
	// onStall is notified when a worker transitions running to stalled.
	onStall func(workerID string)
}

// OnStall registers fn to be called whenever a worker stalls. The
// callback runs outside the supervisor's lock.
func (s *Supervisor) OnStall(fn func(workerID string)) {
	s.mu.Lock()
	s.onStall = fn
	s.mu.Unlock()
}

// New creates a supervisor using the given process launcher.
func New(launcher exec.Launcher, cfg Config) *Supervisor {
	if cfg.StallGrace <= 0 {
		cfg.StallGrace = 45 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 2 * time.Minute
	}
	return &Supervisor{
		launcher:    launcher,
		cfg:         cfg,
		workers:     make(map[string]*workerEntry),
		completions: make(chan string, 256),
	}
}

// transitions lists the legal worker state moves. States are monotonic
// except for the running/stalled sub-loop.
var transitions = map[models.WorkerState][]models.WorkerState{
	models.WorkerStateProvisioning: {models.WorkerStateRunning, models.WorkerStateFailed},
	models.WorkerStateRunning: {
		models.WorkerStateStalled, models.WorkerStateCompleted, models.WorkerStateFailed,
		models.WorkerStateTimedOut, models.WorkerStateDrifted,
	},
	models.WorkerStateStalled: {
		models.WorkerStateRunning, models.WorkerStateCompleted, models.WorkerStateFailed,
		models.WorkerStateTimedOut, models.WorkerStateDrifted,
	},
}

// transitionLocked moves the worker to the target state if legal.
// Caller must hold s.mu. Returns false when the move is not allowed,
// which includes any move out of a terminal state.
func (s *Supervisor) transitionLocked(e *workerEntry, to models.WorkerState) bool {
	for _, allowed := range transitions[e.worker.State] {
		if allowed == to {
			e.worker.State = to
			return true
		}
	}
	return false
}

// Spawn launches the worker process for the given task inside its
// workspace. command and args come from the run configuration; the
// task description is appended as the final argument. Returns a
// *SpawnError if the process cannot be started.
func (s *Supervisor) Spawn(ctx context.Context, task *models.Task, ws *models.Workspace, busRoot, command string, args []string) (*models.Worker, error) {
	workerID := "worker-" + uuid.New().String()[:8]

	env := []string{
		"COHORT_TASK_ID=" + task.ID,
		"COHORT_WORKER_ID=" + workerID,
		"COHORT_WORKSPACE=" + ws.RootPath,
		"COHORT_BUS_DIR=" + busRoot,
	}

	workerCtx := ctx
	var cancel context.CancelFunc
	if timeout := task.Timeout(); timeout > 0 {
		workerCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		workerCtx, cancel = context.WithCancel(ctx)
	}

	w := &models.Worker{
		ID:        workerID,
		TaskID:    task.ID,
		State:     models.WorkerStateProvisioning,
		StartedAt: time.Now(),
	}
	entry := &workerEntry{
		worker:       w,
		done:         make(chan struct{}),
		lastActivity: time.Now(),
		ctx:          workerCtx,
		cancel:       cancel,
	}

	proc, err := s.launcher.Start(workerCtx, ws.RootPath, env, command, append(args, task.Description)...)
	if err != nil {
		cancel()
		return nil, &SpawnError{TaskID: task.ID, Err: err}
	}
	entry.proc = proc
	w.PID = proc.PID()
	w.State = models.WorkerStateRunning

	s.mu.Lock()
	s.workers[workerID] = entry
	s.mu.Unlock()

	go s.watchProcess(entry)
	go s.watchStall(entry)
	go s.watchDeadline(workerID, workerCtx)
	return w, nil
}

// watchDeadline times the worker out when its deadline expires. The
// context also closes on normal completion through finishLocked; that
// cancellation is not a deadline and is ignored here.
func (s *Supervisor) watchDeadline(workerID string, ctx context.Context) {
	<-ctx.Done()
	if ctx.Err() == context.DeadlineExceeded {
		s.Terminate(workerID, ReasonTimeout)
	}
}

// watchProcess waits for the worker process to exit and records the
// terminal state: zero exit is completed, non-zero is failed. A worker
// already moved to a terminal state (drift, timeout, cancel) keeps it.
// An exit caused by the deadline kill is timed out, not failed, even
// when the process dies before the deadline watcher runs.
func (s *Supervisor) watchProcess(e *workerEntry) {
	code, err := e.proc.Wait()

	s.mu.Lock()
	if !e.worker.State.Terminal() {
		switch {
		case e.ctx.Err() == context.DeadlineExceeded:
			s.transitionLocked(e, models.WorkerStateTimedOut)
			e.outcome.Err = "deadline exceeded"
		case err != nil:
			s.transitionLocked(e, models.WorkerStateFailed)
			e.outcome.Err = fmt.Sprintf("wait worker: %v", err)
		case code == 0:
			s.transitionLocked(e, models.WorkerStateCompleted)
		default:
			s.transitionLocked(e, models.WorkerStateFailed)
			e.outcome.Err = fmt.Sprintf("worker exited with status %d", code)
		}
	}
	e.outcome.ExitCode = code
	s.finishLocked(e)
	s.mu.Unlock()
}

// finishLocked seals the outcome and signals waiters. Caller must hold
// s.mu. Idempotent via the done channel.
func (s *Supervisor) finishLocked(e *workerEntry) {
	select {
	case <-e.done:
		return
	default:
	}

	e.outcome.WorkerID = e.worker.ID
	e.outcome.TaskID = e.worker.TaskID
	e.outcome.State = e.worker.State
	e.outcome.StartedAt = e.worker.StartedAt
	e.outcome.FinishedAt = time.Now()
	e.outcome.Checkpoints = e.checkpointSeq
	e.cancel()
	close(e.done)

	select {
	case s.completions <- e.worker.ID:
	default:
		// The buffer is sized for any realistic cohort; dropping here
		// only affects wait-any latency, Await still works.
	}
}

// watchStall flips the worker between running and stalled based on
// checkpoint activity, and times it out when a stall outlives the
// stall timeout.
func (s *Supervisor) watchStall(e *workerEntry) {
	tick := s.cfg.StallGrace / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		var notify func(string)
		s.mu.Lock()
		now := time.Now()
		switch e.worker.State {
		case models.WorkerStateRunning:
			if now.Sub(e.lastActivity) >= s.cfg.StallGrace {
				if s.transitionLocked(e, models.WorkerStateStalled) {
					e.stalledSince = now
					notify = s.onStall
				}
			}
		case models.WorkerStateStalled:
			if now.Sub(e.stalledSince) >= s.cfg.StallTimeout {
				if s.transitionLocked(e, models.WorkerStateTimedOut) {
					e.outcome.Err = "no checkpoints before stall timeout"
					s.killLocked(e)
					s.finishLocked(e)
				}
				s.mu.Unlock()
				return
			}
		default:
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if notify != nil {
			notify(e.worker.ID)
		}
	}
}

// RecordCheckpoint assigns the next sequence number for the worker and
// returns the checkpoint. Sequence numbers are strictly increasing
// with no gaps. A stalled worker returns to running.
func (s *Supervisor) RecordCheckpoint(workerID string, touched []string, toolCalls int) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("record checkpoint: unknown worker %s", workerID)
	}
	if e.worker.State.Terminal() {
		return nil, fmt.Errorf("record checkpoint: worker %s is %s", workerID, e.worker.State)
	}

	e.checkpointSeq++
	e.lastActivity = time.Now()
	e.worker.LastCheckpointAt = e.lastActivity
	if toolCalls > e.worker.ToolCallCount {
		e.worker.ToolCallCount = toolCalls
	}
	if e.worker.State == models.WorkerStateStalled {
		s.transitionLocked(e, models.WorkerStateRunning)
	}

	return &models.Checkpoint{
		WorkerID:    workerID,
		Sequence:    e.checkpointSeq,
		Timestamp:   e.lastActivity,
		DiffSummary: touched,
	}, nil
}

// Terminate force-kills the worker. Always succeeds from the caller's
// perspective: a process that is already gone is logged, not an error.
func (s *Supervisor) Terminate(workerID string, reason TerminateReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.workers[workerID]
	if !ok {
		log.Printf("[supervisor] terminate %s (%s): unknown worker", workerID, reason)
		return
	}
	if e.worker.State.Terminal() {
		return
	}

	switch reason {
	case ReasonDrift:
		s.transitionLocked(e, models.WorkerStateDrifted)
		e.outcome.Err = "scope drift confirmed"
	case ReasonTimeout:
		s.transitionLocked(e, models.WorkerStateTimedOut)
		e.outcome.Err = "deadline exceeded"
	case ReasonCancelled:
		s.transitionLocked(e, models.WorkerStateFailed)
		e.outcome.Err = "run cancelled"
		e.outcome.Cancelled = true
	}

	s.killLocked(e)
	s.finishLocked(e)
}

// killLocked best-effort kills the process. Caller must hold s.mu.
func (s *Supervisor) killLocked(e *workerEntry) {
	if e.proc == nil {
		return
	}
	if err := e.proc.Kill(); err != nil {
		log.Printf("[supervisor] kill worker %s: process already gone: %v", e.worker.ID, err)
	}
}

// Await blocks until the worker reaches a terminal state and returns
// its outcome metadata.
func (s *Supervisor) Await(workerID string) (*Outcome, error) {
	s.mu.Lock()
	e, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("await: unknown worker %s", workerID)
	}

	<-e.done

	s.mu.Lock()
	out := e.outcome
	s.mu.Unlock()
	return &out, nil
}

// AwaitAny blocks until any live worker reaches a terminal state and
// returns its outcome. This is the wait-any primitive: waiting never
// serializes the execution of the remaining workers.
func (s *Supervisor) AwaitAny(ctx context.Context) (*Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case workerID := <-s.completions:
		return s.Await(workerID)
	}
}

// TerminateAll force-terminates every live worker with the given reason.
func (s *Supervisor) TerminateAll(reason TerminateReason) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id, e := range s.workers {
		if !e.worker.State.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Terminate(id, reason)
	}
}

// Worker returns a copy of the worker's current record, or nil.
func (s *Supervisor) Worker(workerID string) *models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	w := *e.worker
	return &w
}
