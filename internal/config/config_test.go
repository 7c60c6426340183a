package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
topology: mesh
max_agents: 3
strategy: round-robin
repo_path: /tmp/repo
base_ref: main
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: implement the parser
    scope_guardrails:
      - "internal/parser/**"
  - id: t2
    description: implement the printer
    timeout_seconds: 120
decision:
  id: approach
  policy: majority
  timeout_seconds: 30
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Topology != TopologyMesh {
		t.Errorf("Topology = %q, want mesh", cfg.Topology)
	}
	if cfg.MaxAgents != 3 {
		t.Errorf("MaxAgents = %d, want 3", cfg.MaxAgents)
	}
	if cfg.Strategy != StrategyRoundRobin {
		t.Errorf("Strategy = %q, want round-robin", cfg.Strategy)
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(cfg.Tasks))
	}
	if cfg.Tasks[0].ScopeGuardrails[0] != "internal/parser/**" {
		t.Errorf("guardrails = %v", cfg.Tasks[0].ScopeGuardrails)
	}
	if cfg.Decision == nil || cfg.Decision.ID != "approach" {
		t.Errorf("Decision = %+v, want approach", cfg.Decision)
	}
	if cfg.DecisionTimeout() != 30*time.Second {
		t.Errorf("DecisionTimeout() = %v, want 30s", cfg.DecisionTimeout())
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
repo_path: /tmp/repo
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: do the thing
`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Topology != TopologyHierarchical {
		t.Errorf("default topology = %q, want hierarchical", cfg.Topology)
	}
	if cfg.CheckpointInterval != 15*time.Second {
		t.Errorf("default checkpoint_interval = %v, want 15s", cfg.CheckpointInterval)
	}
	if cfg.DriftStrikes != 2 {
		t.Errorf("default drift_strikes = %d, want 2", cfg.DriftStrikes)
	}
	if cfg.TaskTimeout(cfg.Tasks[0]) != 600*time.Second {
		t.Errorf("default task timeout = %v, want 600s", cfg.TaskTimeout(cfg.Tasks[0]))
	}
}

func TestLoad_UnknownFieldsIgnored(t *testing.T) {
	_, err := Load(writeConfig(t, `
repo_path: /tmp/repo
some_future_knob: true
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: do the thing
`))
	if err != nil {
		t.Fatalf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "missing repo_path",
			yaml: `
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: x
`,
			field: "repo_path",
		},
		{
			name: "missing worker command",
			yaml: `
repo_path: /tmp/repo
tasks:
  - id: t1
    description: x
`,
			field: "worker.command",
		},
		{
			name: "missing tasks",
			yaml: `
repo_path: /tmp/repo
worker:
  command: ./worker.sh
`,
			field: "tasks",
		},
		{
			name: "task missing description",
			yaml: `
repo_path: /tmp/repo
worker:
  command: ./worker.sh
tasks:
  - id: t1
`,
			field: "tasks[0].description",
		},
		{
			name: "duplicate task id",
			yaml: `
repo_path: /tmp/repo
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: x
  - id: t1
    description: y
`,
			field: "tasks[1].id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error should be *ConfigurationError, got %T: %v", err, err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestLoad_BadEnums(t *testing.T) {
	_, err := Load(writeConfig(t, `
topology: ring
repo_path: /tmp/repo
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: x
`))
	if err == nil || !strings.Contains(err.Error(), "topology") {
		t.Errorf("bad topology should fail with descriptive error, got %v", err)
	}

	_, err = Load(writeConfig(t, `
repo_path: /tmp/repo
worker:
  command: ./worker.sh
tasks:
  - id: t1
    description: x
decision:
  id: d1
  policy: unanimous
`))
	if err == nil || !strings.Contains(err.Error(), "policy") {
		t.Errorf("bad policy should fail with descriptive error, got %v", err)
	}
}
