// Package config handles run configuration loading and validation for cohort.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/cohortlabs/cohort/pkg/models"
)

// Topology describes how workers relate to the coordinator.
type Topology string

const (
	// TopologyHierarchical runs workers under a single coordinator.
	TopologyHierarchical Topology = "hierarchical"
	// TopologyMesh lets workers read each other's bus entries freely.
	TopologyMesh Topology = "mesh"
	// TopologyStar restricts workers to coordinator-authored documents.
	TopologyStar Topology = "star"
)

// Strategy selects how tasks are assigned to worker slots.
type Strategy string

const (
	// StrategySpecialized assigns tasks in declared order.
	StrategySpecialized Strategy = "specialized"
	// StrategyRoundRobin rotates tasks across available slots.
	StrategyRoundRobin Strategy = "round-robin"
)

// ConfigurationError reports a bad or missing configuration field.
// It is fatal: the orchestrator aborts before any worker spawns.
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: field %q: %s", e.Field, e.Reason)
}

// TaskConfig describes one task entry in the run configuration.
type TaskConfig struct {
	// ID is the unique task identifier. Required.
	ID string `mapstructure:"id"`
	// Description is the opaque task text handed to the worker. Required.
	Description string `mapstructure:"description"`
	// ScopeGuardrails lists permitted path globs relative to the workspace root.
	ScopeGuardrails []string `mapstructure:"scope_guardrails"`
	// TimeoutSeconds overrides the run-level worker timeout.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DecisionConfig declares a shared decision the cohort must resolve.
type DecisionConfig struct {
	// ID is the decision identifier workers vote on. Required when present.
	ID string `mapstructure:"id"`
	// Policy is the voting rule: majority, weighted, or byzantine.
	Policy string `mapstructure:"policy"`
	// TieBreak is the value preferred when a majority vote ties. Optional.
	TieBreak string `mapstructure:"tie_break"`
	// Gate, when true, restricts integration to workspaces whose worker
	// voted for the resolved value.
	Gate bool `mapstructure:"gate"`
	// Weights maps voter IDs to integer weights for the weighted policy.
	Weights map[string]int `mapstructure:"weights"`
	// TimeoutSeconds bounds the consensus resolution wait.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// WorkerConfig describes how worker processes are launched.
type WorkerConfig struct {
	// Command is the worker executable. Required.
	Command string `mapstructure:"command"`
	// Args are passed to the command before the task description.
	Args []string `mapstructure:"args"`
}

// RunConfig is the validated topology and task list for one run.
type RunConfig struct {
	// Topology is hierarchical, mesh, or star.
	Topology Topology `mapstructure:"topology"`
	// MaxAgents bounds concurrent workers.
	MaxAgents int `mapstructure:"max_agents"`
	// Strategy is specialized or round-robin.
	Strategy Strategy `mapstructure:"strategy"`
	// RepoPath is the git repository containing the base line.
	RepoPath string `mapstructure:"repo_path"`
	// BaseRef is the fixed reference workspaces branch from.
	BaseRef string `mapstructure:"base_ref"`
	// BusRoot is the shared persisted layout root. Defaults to
	// <repo_path>/.cohort.
	BusRoot string `mapstructure:"bus_root"`
	// CheckpointInterval is the drift sampling cadence.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// CheckpointEvery samples drift every K checkpoints, whichever
	// comes first with CheckpointInterval.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// StallGrace marks a worker stalled after this long without a checkpoint.
	StallGrace time.Duration `mapstructure:"stall_grace"`
	// StallTimeout times out a stalled worker after this long.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// DriftStrikes is the number of consecutive violating samples
	// required before a worker is declared drifted.
	DriftStrikes int `mapstructure:"drift_strikes"`
	// TimeoutSeconds is the default per-worker deadline.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// Worker describes the worker process launch.
	Worker WorkerConfig `mapstructure:"worker"`
	// Tasks is the cohort's task list.
	Tasks []TaskConfig `mapstructure:"tasks"`
	// Decision is the optional shared decision gating acceptance.
	Decision *DecisionConfig `mapstructure:"decision"`
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("topology", string(TopologyHierarchical))
	v.SetDefault("max_agents", 4)
	v.SetDefault("strategy", string(StrategySpecialized))
	v.SetDefault("base_ref", "main")
	v.SetDefault("checkpoint_interval", "15s")
	v.SetDefault("checkpoint_every", 3)
	v.SetDefault("stall_grace", "45s")
	v.SetDefault("stall_timeout", "2m")
	v.SetDefault("drift_strikes", 2)
	v.SetDefault("timeout_seconds", 600)
}

// Load reads and validates a run configuration from the given path.
// Unknown fields are ignored; missing required fields return a
// *ConfigurationError naming the field.
func Load(path string) (*RunConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &RunConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and enumerated options.
func (c *RunConfig) Validate() error {
	switch c.Topology {
	case TopologyHierarchical, TopologyMesh, TopologyStar:
	default:
		return &ConfigurationError{Field: "topology", Reason: fmt.Sprintf("unknown topology %q (want hierarchical, mesh, or star)", c.Topology)}
	}

	switch c.Strategy {
	case StrategySpecialized, StrategyRoundRobin:
	default:
		return &ConfigurationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q (want specialized or round-robin)", c.Strategy)}
	}

	if c.MaxAgents <= 0 {
		return &ConfigurationError{Field: "max_agents", Reason: "must be greater than zero"}
	}
	if c.RepoPath == "" {
		return &ConfigurationError{Field: "repo_path", Reason: "required"}
	}
	if c.Worker.Command == "" {
		return &ConfigurationError{Field: "worker.command", Reason: "required"}
	}
	if len(c.Tasks) == 0 {
		return &ConfigurationError{Field: "tasks", Reason: "at least one task is required"}
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.ID == "" {
			return &ConfigurationError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: "required"}
		}
		if t.Description == "" {
			return &ConfigurationError{Field: fmt.Sprintf("tasks[%d].description", i), Reason: "required"}
		}
		if seen[t.ID] {
			return &ConfigurationError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		seen[t.ID] = true
	}

	if c.Decision != nil {
		if c.Decision.ID == "" {
			return &ConfigurationError{Field: "decision.id", Reason: "required"}
		}
		if !models.Policy(c.Decision.Policy).Valid() {
			return &ConfigurationError{Field: "decision.policy", Reason: fmt.Sprintf("unknown policy %q (want majority, weighted, or byzantine)", c.Decision.Policy)}
		}
	}

	if c.DriftStrikes <= 0 {
		c.DriftStrikes = 2
	}
	return nil
}

// TaskTimeout returns the effective timeout for the given task entry.
func (c *RunConfig) TaskTimeout(t TaskConfig) time.Duration {
	secs := t.TimeoutSeconds
	if secs <= 0 {
		secs = c.TimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// DecisionTimeout returns the consensus wait bound, zero when unset.
func (c *RunConfig) DecisionTimeout() time.Duration {
	if c.Decision == nil || c.Decision.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Decision.TimeoutSeconds) * time.Second
}
