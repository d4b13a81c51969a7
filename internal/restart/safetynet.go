// Package restart turns any rebuild requested after a successful injection
// into a prompt to restart the host process.
package restart

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/engine"
	"github.com/dorcha-inc/hotpatch/internal/host"
	"github.com/dorcha-inc/hotpatch/internal/notify"
	"github.com/dorcha-inc/hotpatch/internal/tasks"
)

// PatchName names the safety-net patch on host.RebuildTarget.
const PatchName = "hotpatch.RestartAfterInjection"

// RestartMessage is shown when a rebuild is requested after injection.
const RestartMessage = "The patch engine has applied patches to the running host.\n\n" +
	"The host must be **restarted** in order to safely rebuild the components."

// Injection is the part of the reload orchestrator the safety net observes.
type Injection interface {
	Completed() bool
	MarkRestartRequired() error
}

// Compilation reports whether the host's module is compiled and usable.
type Compilation interface {
	Compiled() bool
}

// Restarter relaunches the host process.
type Restarter interface {
	Restart(ctx context.Context, path string)
}

// SafetyNet intercepts host rebuilds once injection has completed.
type SafetyNet struct {
	scheduler   *tasks.Scheduler
	injection   Injection
	compilation Compilation
	notifier    notify.Notifier
	restarter   Restarter
	dataDir     func() string
	executable  string
}

// Option configures a SafetyNet.
type Option func(*SafetyNet)

// WithExecutableName sets the host executable looked up on restart.
func WithExecutableName(name string) Option {
	return func(s *SafetyNet) { s.executable = name }
}

// New creates a safety net. dataDir is consulted when the host executable
// has to be located.
func New(scheduler *tasks.Scheduler, injection Injection, compilation Compilation, notifier notify.Notifier, restarter Restarter, dataDir func() string, opts ...Option) *SafetyNet {
	s := &SafetyNet{
		scheduler:   scheduler,
		injection:   injection,
		compilation: compilation,
		notifier:    notifier,
		restarter:   restarter,
		dataDir:     dataDir,
		executable:  core.HostExecutableName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PatchDeclarations declares the safety-net patch.
func (s *SafetyNet) PatchDeclarations() []engine.Declaration {
	return []engine.Declaration{{
		Target: host.RebuildTarget,
		Patch: engine.Patch{
			Name:     PatchName,
			Owner:    core.SharedEngineID,
			Kind:     engine.KindBefore,
			Priority: engine.PriorityFirst,
			Prefix:   s.Prefix,
		},
	}}
}

// Prefix runs before every host rebuild. It lets the rebuild through until
// injection has completed and suppresses it afterwards.
func (s *SafetyNet) Prefix(ctx context.Context, _ *engine.Call) bool {
	if !s.injection.Completed() {
		return true
	}
	if s.compilation.Compiled() {
		zap.L().Debug("Suppressed rebuild after injection, module already compiled")
		return false
	}

	zap.L().Info("A request to rebuild the components has been received after the patch engine was injected.")
	zap.L().Info("For the sake of safety, the host executable will be restarted instead.")

	if err := s.injection.MarkRestartRequired(); err != nil {
		zap.L().Warn("Failed to record the restart request", zap.Error(err))
	}

	err := s.scheduler.Submit(tasks.ContextInterface, func(context.Context) {
		if err := s.notifier.Show(RestartMessage, s.restart); err != nil {
			if errors.Is(err, notify.ErrAlreadyShowing) {
				zap.L().Debug("A notification is already showing, restart prompt dropped")
				return
			}
			zap.L().Error("Failed to show the restart prompt", zap.Error(err))
		}
	}, 0)
	if err != nil {
		zap.L().Error("Failed to schedule the restart prompt", zap.Error(err))
	}
	return false
}

// restart relaunches the host and exits. A missing executable still exits.
func (s *SafetyNet) restart() {
	path, err := host.LocateExecutable(s.dataDir(), s.executable)
	if err != nil {
		zap.L().Error("The host executable could not be found", zap.Error(err))
		path = ""
	}
	s.restarter.Restart(context.Background(), path)
}

// Interface guards
var (
	_ engine.Source = &SafetyNet{}
	_ Restarter     = &host.Restarter{}
)
