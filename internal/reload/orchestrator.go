// Package reload swaps the host's active module for the injected one, runs the
// new module's initializers and recovers the previous module when any step
// fails. An Orchestrator performs at most one attempt.
package reload

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/failure"
	"github.com/dorcha-inc/hotpatch/internal/host"
	"github.com/dorcha-inc/hotpatch/internal/notify"
	"github.com/dorcha-inc/hotpatch/internal/tasks"
)

// Messages shown to the user when an attempt fails.
const (
	headlineFailed   = "The patch engine could not be injected properly."
	unexpectedDetail = "An unhandled error occurred during the injection process."
)

// Orchestrator runs the reload attempt.
type Orchestrator struct {
	scheduler *tasks.Scheduler
	host      host.Host
	manager   host.ModuleManager
	loader    host.BinaryLoader
	notifier  notify.Notifier

	componentID  string
	engineBinary string
	pollInterval time.Duration

	mu        sync.RWMutex
	ran       bool
	injecting bool
	state     State
	err       error
	attemptID string
	done      chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithComponentID sets the id of the component carrying the orchestrator.
func WithComponentID(id string) Option {
	return func(o *Orchestrator) { o.componentID = id }
}

// WithEngineBinary sets the file name of the companion engine binary.
func WithEngineBinary(name string) Option {
	return func(o *Orchestrator) { o.engineBinary = name }
}

// WithPollInterval sets how often host readiness is checked.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// New creates an orchestrator. The host constructs exactly one per process.
func New(scheduler *tasks.Scheduler, h host.Host, manager host.ModuleManager, loader host.BinaryLoader, notifier notify.Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scheduler:    scheduler,
		host:         h,
		manager:      manager,
		loader:       loader,
		notifier:     notifier,
		componentID:  core.ComponentID,
		engineBinary: core.EngineBinaryName,
		pollInterval: tasks.DefaultPollInterval,
		state:        StateIdle,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// setStateLocked must be called with mu held. Transitions not listed in
// transitions are rejected and logged.
func (o *Orchestrator) setStateLocked(state State) bool {
	if !CanTransition(o.state, state) {
		zap.L().Error("Rejected state transition",
			zap.String("attempt_id", o.attemptID),
			zap.String("old_state", string(o.state)),
			zap.String("new_state", string(state)))
		return false
	}
	old := o.state
	o.state = state
	core.LogStateTransition("reload "+o.attemptID, string(old), string(state))
	return true
}

func (o *Orchestrator) setState(state State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setStateLocked(state)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Injecting reports whether an attempt is in progress.
func (o *Orchestrator) Injecting() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.injecting
}

// Completed reports whether injection succeeded, including when a restart has
// since been requested.
func (o *Orchestrator) Completed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == StateCompleted || o.state == StateRestartRequired
}

// Err returns the error that ended a failed attempt.
func (o *Orchestrator) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// AttemptID returns the id of the attempt, empty before Start.
func (o *Orchestrator) AttemptID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.attemptID
}

// Done is closed once the attempt has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// MarkRestartRequired records that a rebuild was requested after a
// successful injection. It is a no-op when already recorded.
func (o *Orchestrator) MarkRestartRequired() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRestartRequired {
		return nil
	}
	if !o.setStateLocked(StateRestartRequired) {
		return fmt.Errorf("cannot require a restart in state %s", o.state)
	}
	return nil
}

// Start begins the attempt on the interface context once the host is ready.
// Only the first call does anything; it returns whether this call started
// the attempt.
func (o *Orchestrator) Start() bool {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		zap.L().Debug("Injection already attempted, ignoring")
		return false
	}
	o.ran = true
	o.injecting = true
	o.attemptID = uuid.NewString()
	o.setStateLocked(StateAwaitingReadiness)
	attemptID := o.attemptID
	o.mu.Unlock()

	zap.L().Info("Injecting patch engine...", zap.String("attempt_id", attemptID))

	err := o.scheduler.Submit(tasks.ContextInterface, func(ctx context.Context) {
		if err := o.scheduler.WaitUntil(ctx, o.host.Ready, o.inject, o.pollInterval); err != nil {
			o.abort(fmt.Errorf("failed to schedule injection: %w", err))
		}
	}, 0)
	if err != nil {
		o.abort(fmt.Errorf("failed to schedule injection: %w", err))
	}
	return true
}

// abort ends an attempt that never reached the swap.
func (o *Orchestrator) abort(err error) {
	zap.L().Error("Injection could not be scheduled", zap.Error(err))
	o.mu.Lock()
	o.err = err
	o.setStateLocked(StateFailed)
	o.injecting = false
	o.mu.Unlock()
	close(o.done)
}

// inject runs on the interface context once the host is ready. Nothing it
// raises escapes.
func (o *Orchestrator) inject(ctx context.Context) {
	start := o.scheduler.Clock().Now()
	previous := o.manager.ActiveModule()

	err := o.attempt(ctx, previous)

	func() {
		defer func() {
			if r := recover(); r != nil {
				core.LogPanicRecovery("reload recovery", r)
			}
		}()
		switch failure.Classify(err) {
		case "":
			o.succeed()
		case failure.KindInjection:
			o.failExpected(err)
		case failure.KindStaticInit:
			o.rollBack(err, previous)
		default:
			o.failUnexpected(err)
		}
	}()

	o.finish(previous, err)
	core.LogAttemptOutcome(o.AttemptID(), o.scheduler.Clock().Since(start).Seconds(), err)
	close(o.done)
}

// attempt performs the swap. Panics are returned as unexpected failures.
func (o *Orchestrator) attempt(ctx context.Context, previous host.Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("reload", r)
			err = failure.FromPanic(r)
		}
	}()

	log := zap.L().With(zap.String("attempt_id", o.AttemptID()))
	o.setState(StateSwapping)

	component, err := o.component()
	if err != nil {
		return err
	}

	path, err := host.LocateFileFold(component.Dir, o.engineBinary)
	if err != nil {
		if errors.Is(err, core.ErrDirectoryNotFound) {
			return failure.InjectionCause(fmt.Sprintf("the directory containing %s was not found", o.componentID), err)
		}
		return failure.InjectionCause("the engine binary was not found", err)
	}

	log.Info("Pulling the engine binary into the process", zap.String("path", path))
	if err := o.loader.Load(path); err != nil {
		return failure.Wrap(err, "failed to load the engine binary")
	}

	o.manager.AddResolveHook(func(name string) host.Module {
		if active := o.manager.ActiveModule(); active != nil && active.Name() == name {
			return active
		}
		return nil
	})

	log.Info("Rebuilding components into an injected module")
	if err := o.manager.Refresh(ctx); err != nil {
		return failure.Wrap(err, "failed to refresh components")
	}

	log.Info("Adjusting the sources for the injected module", zap.String("component", o.componentID))
	if err := o.manager.SetBuildPlan(o.componentID, InjectedBuildPlan()); err != nil {
		return failure.Wrap(err, "failed to write the build plan")
	}
	if err := o.manager.Rebuild(ctx); err != nil {
		return failure.InjectionCause("the injected module failed to build", err)
	}

	o.setState(StateValidating)
	active := o.manager.ActiveModule()
	if active == nil {
		return failure.Injection("the injected module failed to build")
	}
	if sameModule(active, previous) {
		return failure.Injection("the active module still points to the previous module; this is not expected")
	}
	log.Info("Injected module built successfully", zap.String("module", active.Name()))

	o.setState(StateInitializing)
	log.Info("Running unit initializers", zap.Int("units", len(active.Units())))
	for _, unit := range active.Units() {
		if err := initialize(unit); err != nil {
			return failure.StaticInit(unit.Name(), err)
		}
	}

	log.Info("Reloading the host configuration")
	if err := o.host.HotReloadConfig(); err != nil {
		return failure.Wrap(err, "failed to reload the host configuration")
	}
	return nil
}

// component looks up this orchestrator's own component, which must be
// approved.
func (o *Orchestrator) component() (*host.Component, error) {
	component, err := o.manager.Component(o.componentID)
	if err != nil || component == nil || !component.Approved {
		return nil, failure.InjectionCause(
			fmt.Sprintf("the component %s could not be located or was not approved", o.componentID), err)
	}
	return component, nil
}

// InjectedBuildPlan is the plan written before the injected rebuild: the
// orchestrator source becomes the stand-in and bootstrap-only sources are
// dropped, so the rebuilt module never runs the orchestrator again.
func InjectedBuildPlan() host.BuildPlan {
	plan := host.NewBuildPlan()
	plan.Substitute[core.OrchestratorSource] = core.StandInSource
	for _, name := range core.BootstrapOnlySources {
		plan.Exclude.Add(name)
	}
	return plan
}

// initialize runs the unit's initializer, turning a panic into an error.
func initialize(unit host.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.FromPanic(r)
		}
	}()
	return unit.Initialize()
}

// sameModule compares two module handles without panicking on
// non-comparable implementations.
func sameModule(a, b host.Module) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func (o *Orchestrator) succeed() {
	o.setState(StateCompleted)
	zap.L().Info("Injection successful", zap.String("attempt_id", o.AttemptID()))
}

func (o *Orchestrator) failExpected(err error) {
	zap.L().Error(err.Error(), zap.String("attempt_id", o.AttemptID()))
	o.fail(err)
	o.show(notify.ErrorMessage(
		notify.Line(headlineFailed),
		notify.Line(err.Error()),
	))
}

func (o *Orchestrator) rollBack(err error, previous host.Module) {
	var initErr *failure.StaticInitError
	if !errors.As(err, &initErr) {
		o.failUnexpected(err)
		return
	}

	zap.L().Error(initErr.Error(),
		zap.String("attempt_id", o.AttemptID()),
		zap.String("unit", initErr.Unit),
		zap.String("report", failure.Report(initErr.Cause)))

	o.setState(StateRollingBack)
	o.manager.SetActiveModule(previous)
	o.fail(err)

	root := failure.Root(initErr.Cause)
	trail := failure.TrailLines(initErr.Cause)
	for i, line := range trail {
		trail[i] = "- " + line
	}
	o.show(notify.ErrorMessage(
		notify.Line(fmt.Sprintf("Initialization of %s failed.", initErr.Unit)),
		notify.Line(fmt.Sprintf("Error `%s`", failure.KindName(root))),
		notify.Line(failure.Message(root)),
		notify.Lines(trail...),
	))
}

func (o *Orchestrator) failUnexpected(err error) {
	zap.L().Error("An unexpected error was raised during the injection process"+core.BugReportMessage(),
		zap.String("attempt_id", o.AttemptID()),
		zap.String("report", failure.Report(err)))
	o.fail(err)
	o.show(notify.ErrorMessage(
		notify.Line(headlineFailed),
		notify.Line(unexpectedDetail),
	))
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
	o.setStateLocked(StateFailed)
}

func (o *Orchestrator) show(text string) {
	if err := o.notifier.Show(text, nil); err != nil {
		zap.L().Error("Failed to show notification", zap.Error(err))
	}
}

// finish restores the previous module if the attempt left none active, and
// clears the injecting flag.
func (o *Orchestrator) finish(previous host.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("reload finish", r)
		}
		o.mu.Lock()
		o.injecting = false
		o.mu.Unlock()
	}()

	if o.manager.ActiveModule() == nil {
		zap.L().Warn("No active module after injection, restoring the previous module",
			zap.String("attempt_id", o.AttemptID()),
			zap.Bool("failed", err != nil))
		o.manager.SetActiveModule(previous)
		o.manager.SetCompiled(true)
	}
}
