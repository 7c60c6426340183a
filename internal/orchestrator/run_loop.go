package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cohortlabs/cohort/internal/config"
	"github.com/cohortlabs/cohort/internal/consensus"
	"github.com/cohortlabs/cohort/internal/drift"
	"github.com/cohortlabs/cohort/internal/merge"
	"github.com/cohortlabs/cohort/internal/supervisor"
	"github.com/cohortlabs/cohort/internal/workspace"
	"github.com/cohortlabs/cohort/pkg/models"
)

// Run executes the cohort to completion and returns the sealed run
// report. The report is always non-nil: orchestration failures before
// any worker ran are reported as fatal, worker failures as per-task
// outcomes. Cancelling the context terminates all workers and skips
// integration.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunReport, error) {
	runID := uuid.New().String()[:8]
	report := &models.RunReport{RunID: runID, StartedAt: time.Now()}
	defer close(o.events)

	o.logger.Log("run %s: %d tasks, max %d workers", runID, len(o.cfg.Tasks), o.cfg.MaxAgents)
	o.emit(Event{Type: EventRunStarted, Message: runID})

	if o.deps.Audit != nil {
		if err := o.deps.Audit.BeginRun(runID, report.StartedAt); err != nil {
			o.logger.Log("audit: %v", err)
		}
	}
	defer o.seal(report)

	if removed, err := o.deps.Workspaces.StartupCleanup(); err != nil {
		o.logger.Log("startup cleanup: %v", err)
	} else if len(removed) > 0 {
		o.logger.Log("startup cleanup removed %d orphaned workspaces", len(removed))
	}

	tasks := o.orderTasks()

	if d := o.cfg.Decision; d != nil {
		if err := o.openDecision(d, len(tasks)); err != nil {
			report.Fatal = err.Error()
			return report, nil
		}
	}

	spaces, allocFailed := o.provisionAll(ctx, tasks)
	if len(allocFailed) == len(tasks) && len(tasks) > 0 {
		// Full-cohort allocation failure: no worker can run.
		report.Fatal = fmt.Sprintf("provision workspaces: %v", allocFailed[tasks[0].ID])
		return report, nil
	}

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	go o.ingestLoop(ingestCtx)

	report.Outcomes, report.Cancelled = o.executeAll(ctx, tasks, spaces, allocFailed)

	// Late votes can still sit in inbox files that workers flushed
	// right before exiting. Keep ingesting until the decision resolves
	// or its timeout lapses. A cancelled run abandons the decision.
	if o.cfg.Decision != nil && !report.Cancelled {
		o.awaitDecision(o.cfg.Decision.ID)
	}
	report.Decisions = o.deps.Consensus.All()

	if report.Cancelled {
		return report, nil
	}

	o.integrate(report)
	return report, nil
}

// seal stamps the finish time, persists the report, and emits the
// final event.
func (o *Orchestrator) seal(report *models.RunReport) {
	report.FinishedAt = time.Now()
	if o.deps.Audit != nil {
		if err := o.deps.Audit.FinishRun(report); err != nil {
			o.logger.Log("audit: %v", err)
		}
	}
	o.logger.Log("run %s finished: exit code %d", report.RunID, report.ExitCode())
	o.emit(Event{Type: EventRunFinished, Message: report.RunID})
}

// openDecision registers the configured decision with the consensus
// engine. The expected voter count is the cohort size.
func (o *Orchestrator) openDecision(d *config.DecisionConfig, voters int) error {
	var opts []consensus.Option
	if d.TieBreak != "" {
		opts = append(opts, consensus.WithTieBreak(d.TieBreak))
	}
	if len(d.Weights) > 0 {
		opts = append(opts, consensus.WithWeights(d.Weights))
	}
	if err := o.deps.Consensus.Open(d.ID, models.Policy(d.Policy), voters, opts...); err != nil {
		return fmt.Errorf("open decision %s: %w", d.ID, err)
	}
	return nil
}

// provisionAll allocates one isolated workspace per task, bounded by
// the worker limit. An allocation failure is fatal for that task only:
// it is returned in the failure map and the rest of the cohort still
// provisions.
func (o *Orchestrator) provisionAll(ctx context.Context, tasks []config.TaskConfig) (map[string]*models.Workspace, map[string]error) {
	spaces := make([]*models.Workspace, len(tasks))
	errs := make([]error, len(tasks))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxAgents)
	for i, tc := range tasks {
		g.Go(func() error {
			spaces[i], errs[i] = o.deps.Workspaces.Provision(tc.ID)
			return nil
		})
	}
	g.Wait()

	byTask := make(map[string]*models.Workspace, len(tasks))
	failed := make(map[string]error)
	for i, tc := range tasks {
		if errs[i] != nil {
			o.logger.Log("provision task %s: %v", tc.ID, errs[i])
			failed[tc.ID] = errs[i]
			continue
		}
		byTask[tc.ID] = spaces[i]
	}
	return byTask, failed
}

// executeAll spawns workers up to the concurrency limit and collects
// terminal outcomes as they arrive. One worker's failure never delays
// or aborts its siblings.
func (o *Orchestrator) executeAll(ctx context.Context, tasks []config.TaskConfig, spaces map[string]*models.Workspace, allocFailed map[string]error) ([]models.TaskOutcome, bool) {
	var outcomes []models.TaskOutcome
	var pending []config.TaskConfig
	for _, tc := range tasks {
		if err, ok := allocFailed[tc.ID]; ok {
			outcomes = append(outcomes, models.TaskOutcome{
				TaskID: tc.ID,
				State:  models.WorkerStateFailed,
				Error:  err.Error(),
			})
			continue
		}
		pending = append(pending, tc)
	}
	live := 0
	cancelled := false

	for live > 0 || len(pending) > 0 {
		for len(pending) > 0 && live < o.cfg.MaxAgents && !cancelled {
			tc := pending[0]
			pending = pending[1:]
			if outcome, ok := o.spawn(ctx, tc, spaces[tc.ID]); ok {
				live++
			} else {
				outcomes = append(outcomes, outcome)
			}
		}
		if live == 0 {
			if cancelled {
				break
			}
			continue
		}

		out, err := o.deps.Supervisor.AwaitAny(ctx)
		if err != nil {
			// Run-level cancellation: terminate everything, then drain
			// the survivors so their outcomes still make the report.
			cancelled = true
			o.logger.Log("run cancelled: terminating %d live workers", live)
			o.deps.Supervisor.TerminateAll(supervisor.ReasonCancelled)
			for live > 0 {
				out, drainErr := o.deps.Supervisor.AwaitAny(context.Background())
				if drainErr != nil {
					break
				}
				outcomes = append(outcomes, o.collect(out, true))
				live--
			}
			break
		}

		outcomes = append(outcomes, o.collect(out, false))
		live--
	}

	if cancelled {
		// Tasks that never got a worker are still part of the report.
		for _, tc := range pending {
			outcomes = append(outcomes, models.TaskOutcome{
				TaskID: tc.ID,
				State:  models.WorkerStateFailed,
				Error:  "run cancelled before spawn",
			})
			o.releaseDiscard(spaces[tc.ID])
		}
	}
	return outcomes, cancelled
}

// spawn launches one task's worker and wires its drift monitor.
// Returns (outcome, false) when the spawn failed; the failure is
// isolated to this task.
func (o *Orchestrator) spawn(ctx context.Context, tc config.TaskConfig, ws *models.Workspace) (models.TaskOutcome, bool) {
	task := o.taskFor(tc, ws)
	worker, err := o.deps.Supervisor.Spawn(ctx, task, ws, o.deps.Bus.Root(), o.cfg.Worker.Command, o.cfg.Worker.Args)
	if err != nil {
		o.logger.Log("spawn task %s: %v", tc.ID, err)
		o.emit(Event{Type: EventTaskFinished, TaskID: tc.ID, Err: err})
		o.releaseDiscard(ws)
		return models.TaskOutcome{
			TaskID: tc.ID,
			State:  models.WorkerStateFailed,
			Error:  err.Error(),
		}, false
	}

	monitor := drift.NewMonitor(worker.ID, ws.RootPath, o.checkerFor(tc), o.cfg.DriftStrikes)
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	go monitor.Run(monitorCtx, o.cfg.CheckpointInterval, func(v *drift.Violation) {
		o.emit(Event{Type: EventDriftDetected, TaskID: tc.ID, WorkerID: v.WorkerID, Message: fmt.Sprintf("%v", v.Paths)})
		o.logger.Log("worker %s drifted: %v", v.WorkerID, v.Paths)
		o.deps.Supervisor.Terminate(v.WorkerID, supervisor.ReasonDrift)
	})

	o.mu.Lock()
	o.runs[worker.ID] = &taskRun{task: tc, ws: ws, worker: worker, monitor: monitor, cancelMonitor: cancelMonitor}
	o.mu.Unlock()

	o.logger.Log("task %s: worker %s pid %d in %s", tc.ID, worker.ID, worker.PID, ws.RootPath)
	o.emit(Event{Type: EventTaskStarted, TaskID: tc.ID, WorkerID: worker.ID})
	return models.TaskOutcome{}, true
}

// collect turns a terminal worker into its task outcome and settles
// the workspace: completed workers are harvested and kept for
// integration, everything else is discarded.
func (o *Orchestrator) collect(out *supervisor.Outcome, runCancelled bool) models.TaskOutcome {
	o.mu.Lock()
	run := o.runs[out.WorkerID]
	delete(o.runs, out.WorkerID)
	o.mu.Unlock()

	outcome := models.TaskOutcome{
		TaskID:          out.TaskID,
		WorkerID:        out.WorkerID,
		State:           out.State,
		Error:           out.Err,
		DurationSeconds: out.Duration().Seconds(),
	}
	if run == nil {
		return outcome
	}
	run.cancelMonitor()

	accepted := out.State == models.WorkerStateCompleted && !out.Cancelled && !runCancelled
	if accepted {
		if err := o.deps.Workspaces.Harvest(run.ws.ID); err != nil {
			o.logger.Log("harvest %s: %v", run.ws.ID, err)
			outcome.State = models.WorkerStateFailed
			outcome.Error = fmt.Sprintf("harvest workspace: %v", err)
			accepted = false
		}
	}
	if accepted {
		if err := o.deps.Workspaces.Release(run.ws.ID, workspace.ReleaseKeep); err != nil {
			o.logger.Log("release %s: %v", run.ws.ID, err)
		}
	} else {
		o.releaseDiscard(run.ws)
	}

	o.logger.Log("task %s: worker %s %s after %.1fs", out.TaskID, out.WorkerID, out.State, out.Duration().Seconds())
	o.emit(Event{Type: EventTaskFinished, TaskID: out.TaskID, WorkerID: out.WorkerID, Message: string(out.State)})
	return outcome
}

func (o *Orchestrator) releaseDiscard(ws *models.Workspace) {
	if ws == nil {
		return
	}
	if err := o.deps.Workspaces.Release(ws.ID, workspace.ReleaseDiscard); err != nil {
		o.logger.Log("discard %s: %v", ws.ID, err)
	}
}

// ingestLoop promotes worker inbox entries onto the global bus and
// dispatches them: checkpoints feed the supervisor and drift monitors,
// votes feed the consensus engine.
func (o *Orchestrator) ingestLoop(ctx context.Context) {
	interval := o.cfg.CheckpointInterval / 3
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.ingestOnce()
			return
		case <-ticker.C:
			o.ingestOnce()
		}
	}
}

func (o *Orchestrator) ingestOnce() {
	findings, err := o.deps.Bus.Ingest()
	if err != nil {
		o.logger.Log("ingest: %v", err)
		return
	}
	for i := range findings {
		o.dispatch(&findings[i])
	}
}

// dispatch routes one promoted finding to the component that consumes it.
func (o *Orchestrator) dispatch(f *models.Finding) {
	switch f.Kind {
	case models.FindingCheckpoint:
		o.dispatchCheckpoint(f)
	case models.FindingVote:
		o.dispatchVote(f)
	case models.FindingNote, models.FindingStatus:
		// Visible to sibling workers through the bus; nothing for the
		// coordinator to do.
	}
}

func (o *Orchestrator) dispatchCheckpoint(f *models.Finding) {
	var payload models.CheckpointPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			o.logger.Log("checkpoint from %s: bad payload: %v", f.AuthorID, err)
			return
		}
	}

	cp, err := o.deps.Supervisor.RecordCheckpoint(f.AuthorID, payload.TouchedPaths, payload.ToolCalls)
	if err != nil {
		o.logger.Log("checkpoint from %s: %v", f.AuthorID, err)
		return
	}
	o.emit(Event{Type: EventCheckpoint, WorkerID: f.AuthorID, Sequence: cp.Sequence})

	o.mu.Lock()
	run := o.runs[f.AuthorID]
	o.mu.Unlock()
	if run == nil {
		return
	}

	run.monitor.Observe(payload.TouchedPaths...)
	if run.monitor.CheckpointArrived(o.cfg.CheckpointEvery) {
		if verdict := run.monitor.Sample(); verdict.Drifted {
			o.emit(Event{Type: EventDriftDetected, TaskID: run.task.ID, WorkerID: f.AuthorID, Message: fmt.Sprintf("%v", verdict.Violations)})
			o.logger.Log("worker %s drifted at checkpoint %d: %v", f.AuthorID, cp.Sequence, verdict.Violations)
			o.deps.Supervisor.Terminate(f.AuthorID, supervisor.ReasonDrift)
		}
	}
}

func (o *Orchestrator) dispatchVote(f *models.Finding) {
	var payload models.VotePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		o.logger.Log("vote from %s: bad payload: %v", f.AuthorID, err)
		return
	}

	resolved, err := o.deps.Consensus.CastVote(models.Vote{
		DecisionID: payload.DecisionID,
		VoterID:    f.AuthorID,
		Value:      payload.Value,
		Weight:     payload.Weight,
	})
	if err != nil {
		o.logger.Log("vote from %s on %s: %v", f.AuthorID, payload.DecisionID, err)
		return
	}
	if resolved {
		d := o.deps.Consensus.Get(payload.DecisionID)
		if err := o.deps.Bus.AppendDecision(d); err != nil {
			o.logger.Log("record decision %s: %v", d.ID, err)
		}
		o.logger.Log("decision %s resolved: %s", d.ID, *d.ResolvedValue)
		o.emit(Event{Type: EventDecisionResolved, Message: d.ID + "=" + *d.ResolvedValue})
	}
}

// awaitDecision keeps ingesting until the decision resolves or its
// timeout lapses. Workers are gone by now, so only already-written
// inbox entries can still arrive.
func (o *Orchestrator) awaitDecision(id string) {
	deadline := time.Now().Add(o.cfg.DecisionTimeout())
	for {
		o.ingestOnce()
		d := o.deps.Consensus.Get(id)
		if d == nil || d.Resolved() || time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// integrate merges every accepted workspace onto the base ref and
// marks the merged outcomes. When the configured decision gates
// acceptance, only workspaces whose worker voted for the resolved
// value qualify. Conflicts are reported, never fatal. Merged
// workspaces are discarded afterwards; conflicted and failed ones
// keep their branches for external resolution.
func (o *Orchestrator) integrate(report *models.RunReport) {
	gateVotes, gateValue := o.gateVotes()

	var candidates []merge.Candidate
	byWorkspace := make(map[string]int)
	for i, outcome := range report.Outcomes {
		if outcome.State != models.WorkerStateCompleted {
			continue
		}
		if gateVotes != nil {
			value, voted := gateVotes[outcome.WorkerID]
			if !voted || value != gateValue {
				report.Outcomes[i].Error = "vote did not match the resolved decision"
				o.logger.Log("task %s excluded from integration: gate vote %q", outcome.TaskID, value)
				o.releaseDiscard(o.deps.Workspaces.ByTask(outcome.TaskID))
				continue
			}
		}
		wsRecord := o.deps.Workspaces.ByTask(outcome.TaskID)
		if wsRecord == nil || wsRecord.State != models.WorkspaceStateKept {
			continue
		}
		candidates = append(candidates, merge.Candidate{
			TaskID:      outcome.TaskID,
			WorkspaceID: wsRecord.ID,
			Branch:      wsRecord.BranchRef,
		})
		byWorkspace[wsRecord.ID] = i
	}

	if len(candidates) == 0 {
		return
	}

	o.emit(Event{Type: EventMergeStarted, Message: fmt.Sprintf("%d workspaces", len(candidates))})
	result, err := o.deps.Merger.Merge(candidates)
	if err != nil {
		// A merge the coordinator could not even abort leaves the repo
		// in an unknown state. That is fatal.
		report.Fatal = fmt.Sprintf("integrate workspaces: %v", err)
		o.logger.Log("integrate: %v", err)
		if result == nil {
			return
		}
	}

	for _, wsID := range result.Merged {
		if i, ok := byWorkspace[wsID]; ok {
			report.Outcomes[i].Merged = true
		}
		// A merged workspace served its purpose; drop its branch.
		if err := o.deps.Workspaces.Release(wsID, workspace.ReleaseDiscard); err != nil {
			o.logger.Log("discard merged %s: %v", wsID, err)
		}
	}
	report.Conflicts = result.Conflicts
	for _, c := range result.Conflicts {
		o.emit(Event{Type: EventMergeConflict, Message: fmt.Sprintf("%s vs %s: %v", c.WorkspaceA, c.WorkspaceB, c.Paths)})
	}
	for wsID, reason := range result.Failed {
		if i, ok := byWorkspace[wsID]; ok {
			report.Outcomes[i].Error = reason
		}
		o.logger.Log("merge %s failed: %s", wsID, reason)
	}
}

// gateVotes returns the live vote per worker and the resolved value
// when the configured decision gates integration. A nil map means no
// gating: either no decision is configured, gating is off, or the
// decision never resolved (nothing to gate against).
func (o *Orchestrator) gateVotes() (map[string]string, string) {
	d := o.cfg.Decision
	if d == nil || !d.Gate {
		return nil, ""
	}
	resolved := o.deps.Consensus.Get(d.ID)
	if resolved == nil || !resolved.Resolved() {
		return nil, ""
	}
	// Live votes precede audit votes, so the first occurrence per
	// voter is the vote that counted.
	votes := make(map[string]string)
	for _, v := range resolved.Votes {
		if _, ok := votes[v.VoterID]; !ok {
			votes[v.VoterID] = v.Value
		}
	}
	return votes, *resolved.ResolvedValue
}
