package exec

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
)

// ExecLauncher implements Launcher using os/exec.
type ExecLauncher struct{}

// NewLauncher creates a new ExecLauncher.
func NewLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Start launches the command and returns a handle to the running process.
func (l *ExecLauncher) Start(ctx context.Context, workDir string, env []string, name string, args ...string) (Process, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = append(os.Environ(), env...)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd}, nil
}

// osProcess wraps an exec.Cmd as a Process.
type osProcess struct {
	cmd *osexec.Cmd
}

// PID returns the operating system process ID.
func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code.
func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill terminates the process. Errors from an already-exited process
// are ignored.
func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Verify ExecLauncher implements Launcher at compile time.
var _ Launcher = (*ExecLauncher)(nil)
