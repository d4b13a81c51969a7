// Package app assembles the simulated host, the reload orchestrator, the
// bootstrap initializer and the restart safety net into one process.
package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/bootstrap"
	"github.com/dorcha-inc/hotpatch/internal/config"
	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/engine"
	"github.com/dorcha-inc/hotpatch/internal/host"
	"github.com/dorcha-inc/hotpatch/internal/notify"
	"github.com/dorcha-inc/hotpatch/internal/reload"
	"github.com/dorcha-inc/hotpatch/internal/restart"
	"github.com/dorcha-inc/hotpatch/internal/sim"
	"github.com/dorcha-inc/hotpatch/internal/tasks"
)

// RebuildLogPatch names the patch that logs the outcome of every rebuild.
const RebuildLogPatch = "hotpatch.RebuildLog"

// Status is a snapshot of the process.
type Status struct {
	State             string   `json:"state"`
	AttemptID         string   `json:"attempt_id,omitempty"`
	Injecting         bool     `json:"injecting"`
	Completed         bool     `json:"completed"`
	Error             string   `json:"error,omitempty"`
	Ready             bool     `json:"ready"`
	Compiled          bool     `json:"compiled"`
	Generation        int      `json:"generation"`
	Injected          bool     `json:"injected"`
	EngineAvailable   bool     `json:"engine_available"`
	PatchedTargets    []string `json:"patched_targets,omitempty"`
	NotificationState string   `json:"notification_state"`
	Notification      string   `json:"notification,omitempty"`
}

// App is one simulated host process with hotpatch installed.
type App struct {
	cfg          *config.HotpatchConfig
	scheduler    *tasks.Scheduler
	manager      *sim.Manager
	host         *sim.Host
	loader       *sim.Loader
	bootstrap    *bootstrap.Bootstrap
	shim         *bootstrap.Shim
	dialog       *notify.Dialog
	orchestrator *reload.Orchestrator
	safetyNet    *restart.SafetyNet
}

type options struct {
	clock     clockwork.Clock
	restarter restart.Restarter
}

// Option configures an App.
type Option func(*options)

// WithClock sets the clock shared by the queues and the host.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRestarter sets how the host is relaunched.
func WithRestarter(r restart.Restarter) Option {
	return func(o *options) { o.restarter = r }
}

// New assembles an App. Notifications are rendered through presenter.
func New(cfg *config.HotpatchConfig, presenter notify.Presenter, opts ...Option) *App {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.restarter == nil {
		o.restarter = host.NewRestarter()
	}

	a := &App{cfg: cfg, loader: &sim.Loader{}}
	runtime := &sim.Runtime{}

	a.scheduler = tasks.NewSchedulerWithClock(o.clock)
	a.manager = sim.NewManager(cfg.ComponentsDir, runtime)
	a.host = sim.NewHostWithClock(a.manager, cfg.DataDir, cfg.ReadyAfter(), o.clock)
	a.dialog = notify.NewDialog(a.scheduler, presenter, a.host.Ready,
		notify.WithPollInterval(cfg.PollInterval()),
		notify.WithBlockInterval(cfg.BlockInterval()))
	a.orchestrator = reload.New(a.scheduler, a.host, a.manager, a.loader, a.dialog,
		reload.WithComponentID(cfg.ComponentID),
		reload.WithEngineBinary(cfg.EngineBinary),
		reload.WithPollInterval(cfg.PollInterval()))
	a.bootstrap = bootstrap.New(engine.NewFactory(a.manager.AttachEngine))
	a.shim = bootstrap.NewShim(a.bootstrap)
	a.safetyNet = restart.New(a.scheduler, a.orchestrator, a.manager, a.dialog, o.restarter, a.host.DataDir,
		restart.WithExecutableName(cfg.HostExecutable))

	runtime.Start = func() { a.orchestrator.Start() }
	runtime.Bootstrap = a.runBootstrap
	return a
}

// runBootstrap is what the injected module's bootstrap unit calls. The
// HOTPATCH_INJECTED environment variable forces the injected path.
func (a *App) runBootstrap(injected bool) error {
	if err := a.bootstrap.Run(injected || core.RunningInjected(), a.safetyNet); err != nil {
		return err
	}
	if !a.bootstrap.Available() {
		return nil
	}
	err := a.shim.ApplyAfter(host.RebuildTarget, RebuildLogPatch, func(_ context.Context, call *engine.Call) {
		if call.Err != nil {
			zap.L().Warn("Rebuild failed", zap.Error(call.Err))
			return
		}
		zap.L().Debug("Rebuild call finished")
	})
	if err != nil {
		zap.L().Warn("Failed to install the rebuild log", zap.Error(err))
	}
	return nil
}

// Boot runs the host's start-up build. The orchestrator starts from the
// module it builds.
func (a *App) Boot(ctx context.Context) error {
	return a.host.Boot(ctx)
}

// Run drains both queues until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.scheduler.Run(ctx)
}

// Close stops both queues.
func (a *App) Close() {
	a.scheduler.Close()
}

// RequestRebuild schedules a host rebuild on the core context.
func (a *App) RequestRebuild() error {
	err := a.scheduler.Submit(tasks.ContextCore, func(ctx context.Context) {
		if err := a.host.RequestRebuild(ctx); err != nil {
			zap.L().Error("Rebuild failed", zap.Error(err))
		}
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to schedule rebuild: %w", err)
	}
	return nil
}

// Acknowledge dismisses the visible notification.
func (a *App) Acknowledge() bool {
	return a.dialog.Acknowledge()
}

// Status returns a snapshot of the process.
func (a *App) Status() Status {
	s := Status{
		State:             string(a.orchestrator.State()),
		AttemptID:         a.orchestrator.AttemptID(),
		Injecting:         a.orchestrator.Injecting(),
		Completed:         a.orchestrator.Completed(),
		Ready:             a.host.Ready(),
		Compiled:          a.manager.Compiled(),
		EngineAvailable:   a.bootstrap.Available(),
		NotificationState: string(a.dialog.State()),
	}
	if err := a.orchestrator.Err(); err != nil {
		s.Error = err.Error()
	}
	if mod, ok := a.manager.ActiveModule().(*sim.Module); ok {
		s.Generation = mod.Generation()
		s.Injected = mod.Injected()
	}
	if targets, err := a.shim.PatchedTargets(); err == nil {
		for _, t := range targets {
			s.PatchedTargets = append(s.PatchedTargets, string(t))
		}
		sort.Strings(s.PatchedTargets)
	}
	if text, ok := a.dialog.Text(); ok {
		s.Notification = text
	}
	return s
}

// Done is closed once the injection attempt has finished.
func (a *App) Done() <-chan struct{} {
	return a.orchestrator.Done()
}

// Scheduler returns the task scheduler.
func (a *App) Scheduler() *tasks.Scheduler { return a.scheduler }

// Host returns the simulated host.
func (a *App) Host() *sim.Host { return a.host }

// Orchestrator returns the reload orchestrator.
func (a *App) Orchestrator() *reload.Orchestrator { return a.orchestrator }
