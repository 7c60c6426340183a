// Package scope evaluates worker file footprints against task guardrails.
package scope

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

// Checker decides whether a set of touched paths stays inside a task's
// declared boundary. A path is in scope when it matches at least one
// allowed glob and no denied glob. An empty allow list permits
// everything not explicitly denied.
type Checker struct {
	allowed []string
	denied  []string
	mu      sync.RWMutex
}

// PolicyFileName is the repository-wide guardrail policy file,
// resolved relative to the repo root.
const PolicyFileName = ".cohort-guardrails.yaml"

// policyFile represents the .cohort-guardrails.yaml structure. Denied
// patterns apply to every task in the repository regardless of its own
// guardrails.
type policyFile struct {
	Denied []string `yaml:"denied"`
}

// NewChecker creates a checker for the given allowed globs.
func NewChecker(allowed []string) *Checker {
	return &Checker{allowed: append([]string{}, allowed...)}
}

// LoadPolicy merges repository-wide denied patterns from a
// .cohort-guardrails.yaml file. A missing file is not an error.
func (c *Checker) LoadPolicy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var policy policyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied = append(c.denied, policy.Denied...)
	return nil
}

// Deny adds a denied glob.
func (c *Checker) Deny(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied = append(c.denied, pattern)
}

// InScope returns true when every touched path is within the boundary.
// Violations returns the offending paths; use it when the caller needs
// detail for reporting.
func (c *Checker) InScope(paths []string) bool {
	return len(c.Violations(paths)) == 0
}

// Violations returns the touched paths that fall outside the boundary.
func (c *Checker) Violations(paths []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, p := range paths {
		if !c.pathAllowed(filepath.ToSlash(p)) {
			out = append(out, p)
		}
	}
	return out
}

// pathAllowed checks one slash-normalized path. Caller holds c.mu.
func (c *Checker) pathAllowed(path string) bool {
	for _, pattern := range c.denied {
		if matchGlobPattern(path, pattern) {
			return false
		}
	}
	if len(c.allowed) == 0 {
		return true
	}
	for _, pattern := range c.allowed {
		if matchGlobPattern(path, pattern) {
			return true
		}
	}
	return false
}

// matchGlobPattern matches a path against a glob pattern with ** support.
func matchGlobPattern(path, pattern string) bool {
	pathParts := strings.Split(path, "/")
	patternParts := strings.Split(pattern, "/")
	return matchParts(pathParts, patternParts)
}

// matchParts recursively matches path segments against pattern segments.
func matchParts(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	p := pattern[0]
	rest := pattern[1:]

	switch p {
	case "**":
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(path); i++ {
			if matchParts(path[i:], rest) {
				return true
			}
		}
		return false

	default:
		if len(path) == 0 {
			return false
		}
		if !matchSegment(path[0], p) {
			return false
		}
		return matchParts(path[1:], rest)
	}
}

// matchSegment matches a single path segment against a pattern segment.
func matchSegment(segment, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == segment {
		return true
	}
	if strings.Contains(pattern, "*") {
		return matchWildcard(segment, pattern)
	}
	return false
}

// matchWildcard matches a segment against a pattern containing * wildcards.
func matchWildcard(s, pattern string) bool {
	parts := strings.Split(pattern, "*")
	pos := 0

	for i, part := range parts {
		if part == "" {
			continue
		}

		if i == 0 {
			if !strings.HasPrefix(s, part) {
				return false
			}
			pos = len(part)
			continue
		}

		if i == len(parts)-1 && !strings.HasSuffix(pattern, "*") {
			if !strings.HasSuffix(s, part) {
				return false
			}
			continue
		}

		idx := strings.Index(s[pos:], part)
		if idx == -1 {
			return false
		}
		pos += idx + len(part)
	}

	return true
}
