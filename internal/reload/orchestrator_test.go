package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/failure"
	"github.com/dorcha-inc/hotpatch/internal/host"
	"github.com/dorcha-inc/hotpatch/internal/tasks"
)

type fakeUnit struct {
	name   string
	err    error
	panics any
	runs   *[]string
}

func (u *fakeUnit) Name() string { return u.name }

func (u *fakeUnit) Initialize() error {
	if u.runs != nil {
		*u.runs = append(*u.runs, u.name)
	}
	if u.panics != nil {
		panic(u.panics)
	}
	return u.err
}

type fakeModule struct {
	name  string
	units []host.Unit
}

func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) Units() []host.Unit { return m.units }

type fakeHost struct {
	ready     bool
	reloadErr error
	reloads   int
}

func (h *fakeHost) Ready() bool { return h.ready }

func (h *fakeHost) HotReloadConfig() error {
	h.reloads++
	return h.reloadErr
}

func (h *fakeHost) DataDir() string { return "" }

// fakeManager rebuilds into next unless rebuildErr is set.
type fakeManager struct {
	active    host.Module
	next      host.Module
	compiled  bool
	component *host.Component
	hooks     []host.ResolveHook
	plans     map[string]host.BuildPlan

	componentErr error
	refreshErr   error
	planErr      error
	rebuildErr   error
	rebuildPanic any
	clearOnFail  bool

	refreshes int
	rebuilds  int
}

func (m *fakeManager) Refresh(context.Context) error {
	m.refreshes++
	return m.refreshErr
}

func (m *fakeManager) Rebuild(context.Context) error {
	m.rebuilds++
	if m.rebuildPanic != nil {
		panic(m.rebuildPanic)
	}
	if m.rebuildErr != nil {
		if m.clearOnFail {
			m.active = nil
		}
		return m.rebuildErr
	}
	m.active = m.next
	return nil
}

func (m *fakeManager) ActiveModule() host.Module { return m.active }
func (m *fakeManager) SetActiveModule(mod host.Module) { m.active = mod }
func (m *fakeManager) Compiled() bool { return m.compiled }
func (m *fakeManager) SetCompiled(compiled bool) { m.compiled = compiled }

func (m *fakeManager) Component(id string) (*host.Component, error) {
	if m.componentErr != nil {
		return nil, m.componentErr
	}
	return m.component, nil
}

func (m *fakeManager) SetBuildPlan(id string, plan host.BuildPlan) error {
	if m.planErr != nil {
		return m.planErr
	}
	if m.plans == nil {
		m.plans = make(map[string]host.BuildPlan)
	}
	m.plans[id] = plan
	return nil
}

func (m *fakeManager) AddResolveHook(hook host.ResolveHook) { m.hooks = append(m.hooks, hook) }

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) IsShowing() bool { return false }

func (n *fakeNotifier) Show(text string, _ func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

var (
	_ host.ModuleManager = &fakeManager{}
	_ host.Host          = &fakeHost{}
)

type fixture struct {
	orchestrator *Orchestrator
	scheduler    *tasks.Scheduler
	clock        *clockwork.FakeClock
	host         *fakeHost
	manager      *fakeManager
	notifier     *fakeNotifier
	loaded       []string
	loadErr      error
	previous     *fakeModule
	injected     *fakeModule
}

func newFixture(t *testing.T, units ...host.Unit) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Interceptor.SO"), []byte("engine"), 0o644))

	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		host:     &fakeHost{ready: true},
		notifier: &fakeNotifier{},
		previous: &fakeModule{name: "mods"},
		injected: &fakeModule{name: "mods", units: units},
	}
	f.scheduler = tasks.NewSchedulerWithClock(f.clock)
	f.manager = &fakeManager{
		active:   f.previous,
		next:     f.injected,
		compiled: true,
		component: &host.Component{
			ID:       core.ComponentID,
			Dir:      dir,
			Approved: true,
		},
	}
	loader := host.BinaryLoaderFunc(func(path string) error {
		f.loaded = append(f.loaded, path)
		return f.loadErr
	})
	f.orchestrator = New(f.scheduler, f.host, f.manager, loader, f.notifier, WithPollInterval(10*time.Millisecond))
	return f
}

// run starts the orchestrator and drains the interface queue once.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	require.True(t, f.orchestrator.Start())
	f.scheduler.Queue(tasks.ContextInterface).Drain(context.Background())
}

func TestOrchestrator_Success(t *testing.T) {
	var runs []string
	f := newFixture(t,
		&fakeUnit{name: "mods.A", runs: &runs},
		&fakeUnit{name: "mods.B", runs: &runs},
	)
	f.run(t)

	o := f.orchestrator
	assert.Equal(t, StateCompleted, o.State())
	assert.True(t, o.Completed())
	assert.False(t, o.Injecting())
	assert.NoError(t, o.Err())
	assert.NotEmpty(t, o.AttemptID())
	assert.Same(t, f.injected, f.manager.ActiveModule())
	assert.Equal(t, []string{"mods.A", "mods.B"}, runs)
	assert.Equal(t, 1, f.host.reloads)
	assert.Empty(t, f.notifier.texts)

	require.Len(t, f.loaded, 1)
	assert.Equal(t, "Interceptor.SO", filepath.Base(f.loaded[0]))

	plan, ok := f.manager.plans[core.ComponentID]
	require.True(t, ok)
	assert.Equal(t, core.StandInSource, plan.Substitute[core.OrchestratorSource])
	for _, name := range core.BootstrapOnlySources {
		assert.True(t, plan.Exclude.Contains(name), name)
	}

	require.Len(t, f.manager.hooks, 1)
	assert.Same(t, f.injected, f.manager.hooks[0]("mods"))
	assert.Nil(t, f.manager.hooks[0]("other"))

	select {
	case <-o.Done():
	default:
		t.Fatal("attempt should be done")
	}
}

func TestOrchestrator_StartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.orchestrator.Start())
	assert.False(t, f.orchestrator.Start())
	assert.False(t, f.orchestrator.Start())

	assert.Equal(t, 1, f.scheduler.Queue(tasks.ContextInterface).Len())
	f.scheduler.Queue(tasks.ContextInterface).Drain(context.Background())

	assert.Equal(t, 1, f.manager.rebuilds)
	assert.False(t, f.orchestrator.Start(), "a finished attempt is never repeated")
	assert.Equal(t, 0, f.scheduler.Queue(tasks.ContextInterface).Len())
}

func TestOrchestrator_NoProgressBeforeReady(t *testing.T) {
	f := newFixture(t)
	f.host.ready = false
	require.True(t, f.orchestrator.Start())

	q := f.scheduler.Queue(tasks.ContextInterface)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		q.Drain(ctx)
		f.clock.Advance(10 * time.Millisecond)
	}

	o := f.orchestrator
	assert.Equal(t, StateAwaitingReadiness, o.State())
	assert.True(t, o.Injecting())
	assert.False(t, o.Completed())
	assert.Equal(t, 0, f.manager.refreshes)
	assert.Equal(t, 0, f.manager.rebuilds)
	assert.Empty(t, f.loaded)
	assert.Same(t, f.previous, f.manager.ActiveModule())
	assert.Equal(t, 1, q.Len(), "exactly one poll stays pending")

	f.host.ready = true
	q.Drain(ctx)
	assert.Equal(t, StateCompleted, o.State())
	assert.False(t, o.Injecting())
}

func TestOrchestrator_RollbackOnStaticInitFailure(t *testing.T) {
	var runs []string
	f := newFixture(t,
		&fakeUnit{name: "mods.A", runs: &runs},
		&fakeUnit{name: "mods.B", runs: &runs},
		&fakeUnit{name: "mods.C", runs: &runs, err: failure.Wrap(&configError{msg: "missing weapon table"}, "loading weapons")},
		&fakeUnit{name: "mods.D", runs: &runs},
	)
	f.run(t)

	o := f.orchestrator
	assert.Equal(t, StateFailed, o.State())
	assert.False(t, o.Completed())
	assert.False(t, o.Injecting())
	assert.Same(t, f.previous, f.manager.ActiveModule())
	assert.Equal(t, []string{"mods.A", "mods.B", "mods.C"}, runs)
	assert.Equal(t, 0, f.host.reloads)

	var initErr *failure.StaticInitError
	require.ErrorAs(t, o.Err(), &initErr)
	assert.Equal(t, "mods.C", initErr.Unit)

	require.Len(t, f.notifier.texts, 1)
	text := f.notifier.texts[0]
	assert.Contains(t, text, "Initialization of mods.C failed.")
	assert.Contains(t, text, "Error `configError`")
	assert.Contains(t, text, "missing weapon table")
	assert.Contains(t, text, "- At reload.configError\n")
	assert.Contains(t, text, "- Via reload.TestOrchestrator_RollbackOnStaticInitFailure\n")
	assert.Less(t, strings.Index(text, "- At "), strings.Index(text, "- Via "))
	assert.Contains(t, text, notifyFooter)
}

func TestOrchestrator_RollbackOnInitializerPanic(t *testing.T) {
	f := newFixture(t, &fakeUnit{name: "mods.A", panics: "nil table"})
	f.run(t)

	assert.Equal(t, StateFailed, f.orchestrator.State())
	assert.Same(t, f.previous, f.manager.ActiveModule())
	require.Len(t, f.notifier.texts, 1)
	assert.Contains(t, f.notifier.texts[0], "Initialization of mods.A failed.")
	assert.Contains(t, f.notifier.texts[0], "nil table")
}

const notifyFooter = "Some components may not function correctly."

func TestOrchestrator_ExpectedInjectionFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		message string
	}{
		{
			name:    "component missing",
			setup:   func(f *fixture) { f.manager.componentErr = errors.New("unknown component") },
			message: "could not be located or was not approved",
		},
		{
			name:    "component not approved",
			setup:   func(f *fixture) { f.manager.component.Approved = false },
			message: "could not be located or was not approved",
		},
		{
			name:    "install directory missing",
			setup:   func(f *fixture) { f.manager.component.Dir = filepath.Join(t.TempDir(), "gone") },
			message: "the directory containing " + core.ComponentID + " was not found",
		},
		{
			name:    "engine binary missing",
			setup:   func(f *fixture) { f.manager.component.Dir = t.TempDir() },
			message: "the engine binary was not found",
		},
		{
			name: "rebuild fails",
			setup: func(f *fixture) {
				f.manager.rebuildErr = errors.New("compile error")
				f.manager.clearOnFail = true
			},
			message: "the injected module failed to build",
		},
		{
			name:    "rebuild yields nothing",
			setup:   func(f *fixture) { f.manager.next = nil },
			message: "the injected module failed to build",
		},
		{
			name:    "rebuild keeps the previous module",
			setup:   func(f *fixture) { f.manager.next = f.previous },
			message: "still points to the previous module",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			f.run(t)

			o := f.orchestrator
			assert.Equal(t, StateFailed, o.State())
			assert.Equal(t, failure.KindInjection, failure.Classify(o.Err()))
			assert.NotNil(t, f.manager.ActiveModule())
			assert.False(t, o.Injecting())

			require.Len(t, f.notifier.texts, 1)
			assert.Contains(t, f.notifier.texts[0], headlineFailed)
			assert.Contains(t, f.notifier.texts[0], tt.message)
		})
	}
}

func TestOrchestrator_UnexpectedFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "loader fails", setup: func(f *fixture) { f.loadErr = errors.New("bad image") }},
		{name: "refresh fails", setup: func(f *fixture) { f.manager.refreshErr = errors.New("disk gone") }},
		{name: "build plan fails", setup: func(f *fixture) { f.manager.planErr = errors.New("read only") }},
		{name: "rebuild panics", setup: func(f *fixture) { f.manager.rebuildPanic = "compiler crashed" }},
		{name: "config reload fails", setup: func(f *fixture) { f.host.reloadErr = errors.New("stale cache") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, logs := observer.New(zapcore.ErrorLevel)
			undo := zap.ReplaceGlobals(zap.New(obs))
			defer undo()

			f := newFixture(t)
			tt.setup(f)
			f.run(t)

			o := f.orchestrator
			assert.Equal(t, StateFailed, o.State())
			assert.Equal(t, failure.KindUnexpected, failure.Classify(o.Err()))

			reported := logs.FilterMessageSnippet("An unexpected error was raised").All()
			require.Len(t, reported, 1)
			assert.Contains(t, reported[0].Message, core.MaintainerLink)
			assert.Contains(t, reported[0].ContextMap()["report"], "Error report...")
			assert.NotNil(t, f.manager.ActiveModule())
			assert.False(t, o.Injecting())

			require.Len(t, f.notifier.texts, 1)
			assert.Contains(t, f.notifier.texts[0], unexpectedDetail)
		})
	}
}

func TestOrchestrator_RestoresHandleWhenRebuildClearsIt(t *testing.T) {
	f := newFixture(t)
	f.manager.rebuildErr = errors.New("compile error")
	f.manager.clearOnFail = true
	f.manager.compiled = false
	f.run(t)

	assert.Same(t, f.previous, f.manager.ActiveModule())
	assert.True(t, f.manager.Compiled())
}

func TestOrchestrator_MarkRestartRequired(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.orchestrator.MarkRestartRequired(), "not completed yet")

	f.run(t)
	require.NoError(t, f.orchestrator.MarkRestartRequired())
	assert.Equal(t, StateRestartRequired, f.orchestrator.State())
	assert.True(t, f.orchestrator.Completed())

	require.NoError(t, f.orchestrator.MarkRestartRequired())
	assert.Equal(t, StateRestartRequired, f.orchestrator.State())
}

func TestOrchestrator_ClosedScheduler(t *testing.T) {
	f := newFixture(t)
	f.scheduler.Close()

	assert.True(t, f.orchestrator.Start())
	assert.Equal(t, StateFailed, f.orchestrator.State())
	assert.False(t, f.orchestrator.Injecting())
	assert.ErrorIs(t, f.orchestrator.Err(), tasks.ErrQueueClosed)
	<-f.orchestrator.Done()
}

func TestInjectedBuildPlan(t *testing.T) {
	plan := InjectedBuildPlan()
	assert.Equal(t, map[string]string{core.OrchestratorSource: core.StandInSource}, plan.Substitute)
	assert.Equal(t, len(core.BootstrapOnlySources), plan.Exclude.Cardinality())
}

type mapModule map[string]int

func (m mapModule) Name() string { return "map" }
func (m mapModule) Units() []host.Unit { return nil }

func TestSameModule(t *testing.T) {
	a := &fakeModule{name: "a"}
	b := &fakeModule{name: "a"}

	assert.True(t, sameModule(a, a))
	assert.False(t, sameModule(a, b))
	assert.False(t, sameModule(a, nil))
	assert.True(t, sameModule(nil, nil))
	assert.NotPanics(t, func() {
		assert.False(t, sameModule(mapModule{}, mapModule{}))
	})
}
