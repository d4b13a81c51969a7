package core

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// CommandRunner is an interface for running commands, allowing for testing with mocks
type CommandRunner interface {
	Command(ctx context.Context, name string, arg ...string) Command
}

// Command is the subset of exec.Cmd used to launch a detached process
type Command interface {
	SetDir(dir string)
	Start() error
	Release() error
}

// execCommand wraps exec.Cmd to implement Command interface
type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) SetDir(dir string) {
	e.Dir = dir
}

func (e *execCommand) Start() error {
	return e.Cmd.Start()
}

// Release detaches the started process so it outlives the current one.
func (e *execCommand) Release() error {
	if e.Process == nil {
		return nil
	}
	return e.Process.Release()
}

// Interface guard for execCommand
var _ Command = &execCommand{}

// execCommandRunner wraps exec.Command to implement CommandRunner.
// The context is deliberately not bound to the process: a relaunched host
// must survive the exit of its parent.
type execCommandRunner struct{}

func (e *execCommandRunner) Command(_ context.Context, name string, arg ...string) Command {
	return &execCommand{Cmd: exec.Command(name, arg...)}
}

// Interface guard for execCommandRunner
var _ CommandRunner = &execCommandRunner{}

// ProcessLauncher starts detached processes.
type ProcessLauncher struct {
	runner CommandRunner
}

// NewProcessLauncher creates a launcher backed by os/exec
func NewProcessLauncher() *ProcessLauncher {
	return NewProcessLauncherWithRunner(&execCommandRunner{})
}

// NewProcessLauncherWithRunner creates a launcher with a custom command runner
// This is useful for testing with mocked command execution
func NewProcessLauncherWithRunner(runner CommandRunner) *ProcessLauncher {
	return &ProcessLauncher{runner: runner}
}

// Launch starts the executable at path in its own directory and releases it.
func (l *ProcessLauncher) Launch(ctx context.Context, path string, args ...string) error {
	if path == "" {
		return fmt.Errorf("executable path cannot be empty")
	}

	cmd := l.runner.Command(ctx, path, args...)
	cmd.SetDir(filepath.Dir(path))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}

	if err := cmd.Release(); err != nil {
		return fmt.Errorf("failed to release %s: %w", path, err)
	}

	return nil
}
