package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cohortlabs/cohort/internal/config"
	"github.com/cohortlabs/cohort/internal/consensus"
	"github.com/cohortlabs/cohort/internal/drift"
	"github.com/cohortlabs/cohort/internal/merge"
	"github.com/cohortlabs/cohort/internal/scope"
	"github.com/cohortlabs/cohort/internal/state"
	"github.com/cohortlabs/cohort/internal/supervisor"
	"github.com/cohortlabs/cohort/internal/workspace"
	"github.com/cohortlabs/cohort/pkg/models"
)

// busReader is the slice of the bus the coordinator consumes.
type busReader interface {
	Ingest() ([]models.Finding, error)
	AppendDecision(d *models.Decision) error
	Root() string
}

// merger integrates surviving workspace branches onto the base ref.
type merger interface {
	Merge(candidates []merge.Candidate) (*merge.Result, error)
}

// Deps are the collaborators the coordinator drives. All are required
// except Audit and Logger.
type Deps struct {
	Workspaces *workspace.Manager
	Supervisor *supervisor.Supervisor
	Bus        busReader
	Consensus  *consensus.Engine
	Merger     merger
	Audit      *state.DB
	Logger     *DebugLogger
}

// taskRun is the coordinator's live record for one task's worker.
type taskRun struct {
	task          config.TaskConfig
	ws            *models.Workspace
	worker        *models.Worker
	monitor       *drift.Monitor
	cancelMonitor context.CancelFunc
}

// Orchestrator executes one cohort run end to end: provision, spawn,
// supervise, arbitrate, integrate, report.
type Orchestrator struct {
	cfg    *config.RunConfig
	deps   Deps
	logger *DebugLogger

	events  chan Event
	dropped atomic.Uint64

	mu sync.Mutex
	// runs tracks live workers by worker ID for finding dispatch.
	runs map[string]*taskRun
}

// New creates a coordinator for the given validated configuration.
func New(cfg *config.RunConfig, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = NopLogger()
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		events: make(chan Event, 100),
		runs:   make(map[string]*taskRun),
	}
	if deps.Supervisor != nil {
		deps.Supervisor.OnStall(func(workerID string) {
			o.logger.Log("worker %s stalled", workerID)
			o.emit(Event{Type: EventWorkerStalled, WorkerID: workerID})
		})
	}
	return o
}

// Events returns the channel carrying progress events. The channel is
// closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEventCount returns the number of events dropped because the
// event channel was full.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.dropped.Load()
}

// emit sends an event without blocking the control loop.
func (o *Orchestrator) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case o.events <- e:
	default:
		o.dropped.Add(1)
	}
}

// orderTasks returns the task list in spawn order. The specialized
// strategy preserves declaration order so guardrail-specific tasks hit
// their intended workspaces first; round-robin interleaves from both
// ends to spread dissimilar tasks across the early slots.
func (o *Orchestrator) orderTasks() []config.TaskConfig {
	tasks := make([]config.TaskConfig, len(o.cfg.Tasks))
	copy(tasks, o.cfg.Tasks)
	if o.cfg.Strategy != config.StrategyRoundRobin || len(tasks) < 3 {
		return tasks
	}

	ordered := make([]config.TaskConfig, 0, len(tasks))
	for i, j := 0, len(tasks)-1; i <= j; i, j = i+1, j-1 {
		ordered = append(ordered, tasks[i])
		if i != j {
			ordered = append(ordered, tasks[j])
		}
	}
	return ordered
}

// checkerFor builds the scope checker for a task: its own guardrails
// plus the repo-level deny policy, when present.
func (o *Orchestrator) checkerFor(task config.TaskConfig) *scope.Checker {
	checker := scope.NewChecker(task.ScopeGuardrails)
	policyPath := filepath.Join(o.cfg.RepoPath, scope.PolicyFileName)
	if err := checker.LoadPolicy(policyPath); err != nil {
		o.logger.Log("scope policy %s: %v", policyPath, err)
	}
	return checker
}

// taskFor translates a config task entry into the model handed to the
// supervisor.
func (o *Orchestrator) taskFor(tc config.TaskConfig, ws *models.Workspace) *models.Task {
	timeout := tc.TimeoutSeconds
	if timeout <= 0 {
		timeout = o.cfg.TimeoutSeconds
	}
	return &models.Task{
		ID:                tc.ID,
		Description:       tc.Description,
		AssignedWorkspace: ws.ID,
		ScopeGuardrails:   tc.ScopeGuardrails,
		TimeoutSeconds:    timeout,
		CreatedAt:         time.Now(),
	}
}
