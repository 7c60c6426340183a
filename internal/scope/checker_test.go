package scope

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckerInScope_AllowedGlobs(t *testing.T) {
	c := NewChecker([]string{"internal/parser/**", "docs/*.md"})

	tests := []struct {
		path    string
		inScope bool
	}{
		{"internal/parser/lexer.go", true},
		{"internal/parser/ast/node.go", true},
		{"docs/readme.md", true},
		{"docs/sub/extra.md", false},
		{"internal/printer/printer.go", false},
		{"main.go", false},
	}

	for _, tt := range tests {
		got := c.InScope([]string{tt.path})
		if got != tt.inScope {
			t.Errorf("InScope(%q) = %v, want %v", tt.path, got, tt.inScope)
		}
	}
}

func TestCheckerInScope_EmptyAllowListPermitsAll(t *testing.T) {
	c := NewChecker(nil)
	if !c.InScope([]string{"anything/goes.go", "main.go"}) {
		t.Error("empty allow list should permit everything")
	}
}

func TestCheckerViolations(t *testing.T) {
	c := NewChecker([]string{"pkg/**"})

	violations := c.Violations([]string{"pkg/a.go", "cmd/main.go", "go.mod"})
	if len(violations) != 2 {
		t.Fatalf("Violations() = %v, want 2 entries", violations)
	}
	if violations[0] != "cmd/main.go" || violations[1] != "go.mod" {
		t.Errorf("Violations() = %v", violations)
	}
}

func TestCheckerDeniedOverridesAllowed(t *testing.T) {
	c := NewChecker([]string{"**"})
	c.Deny("**/*.pem")

	if c.InScope([]string{"certs/server.pem"}) {
		t.Error("denied pattern should override allow list")
	}
	if !c.InScope([]string{"certs/server.go"}) {
		t.Error("non-denied path should stay in scope")
	}
}

func TestCheckerLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".cohort-guardrails.yaml")
	content := "denied:\n  - \"**/secrets/**\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	c := NewChecker(nil)
	if err := c.LoadPolicy(path); err != nil {
		t.Fatalf("LoadPolicy() error: %v", err)
	}

	if c.InScope([]string{"app/secrets/key.txt"}) {
		t.Error("policy-denied path should be out of scope")
	}
}

func TestCheckerLoadPolicy_MissingFile(t *testing.T) {
	c := NewChecker(nil)
	if err := c.LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("missing policy file should not be an error, got %v", err)
	}
}
