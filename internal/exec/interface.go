// Package exec provides an interface for launching worker processes.
package exec

import "context"

// Process is a handle to a launched worker process.
type Process interface {
	// PID returns the operating system process ID.
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	// A non-nil error indicates the wait itself failed, not a non-zero exit.
	Wait() (int, error)
	// Kill terminates the process. Safe to call after exit.
	Kill() error
}

// Launcher defines the interface for starting worker processes.
// This abstraction allows mocking process execution in tests.
type Launcher interface {
	// Start launches the command in workDir with the given extra
	// environment entries ("KEY=VALUE"). The context cancels the process.
	Start(ctx context.Context, workDir string, env []string, name string, args ...string) (Process, error)
}
