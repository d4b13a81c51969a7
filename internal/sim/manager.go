// Package sim is a simulated host: a module manager that builds components
// from YAML sources on disk, and a host process with a start-up sequence.
// It exercises the reload machinery end to end without a real host.
package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/engine"
	"github.com/dorcha-inc/hotpatch/internal/host"
)

// Manager discovers components under a directory and builds them into the
// active module.
type Manager struct {
	componentsDir string
	runtime       *Runtime

	components *xsync.MapOf[string, *host.Component]
	engine     atomic.Pointer[engine.Table]

	mu         sync.Mutex
	plans      map[string]host.BuildPlan
	hooks      []host.ResolveHook
	active     host.Module
	compiled   bool
	generation int
}

// NewManager creates a manager for the components under componentsDir.
// runtime is handed to every unit it builds and may be nil.
func NewManager(componentsDir string, runtime *Runtime) *Manager {
	if runtime == nil {
		runtime = &Runtime{}
	}
	return &Manager{
		componentsDir: componentsDir,
		runtime:       runtime,
		components:    xsync.NewMapOf[string, *host.Component](),
		plans:         make(map[string]host.BuildPlan),
	}
}

// AttachEngine routes Rebuild through t so patches on host.RebuildTarget
// apply. It has the shape engine.NewFactory expects.
func (m *Manager) AttachEngine(t *engine.Table) {
	m.engine.Store(t)
}

// Refresh rescans the components directory. When several directories carry
// the same component id, the newest version wins.
func (m *Manager) Refresh(ctx context.Context) error {
	entries, err := os.ReadDir(m.componentsDir)
	if err != nil {
		return fmt.Errorf("failed to read components directory %s: %w", m.componentsDir, err)
	}

	found := make(map[string]*host.Component)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(m.componentsDir, entry.Name())
		if !core.FileExists(filepath.Join(dir, ManifestFileName)) {
			zap.L().Debug("Skipping directory without a manifest", zap.String("dir", dir))
			continue
		}

		component, err := loadComponent(dir)
		if err != nil {
			zap.L().Warn("Skipping invalid component", zap.String("dir", dir), zap.Error(err))
			continue
		}

		if existing, ok := found[component.ID]; ok && !newerVersion(component.Version, existing.Version) {
			zap.L().Debug("Ignoring older component version",
				zap.String("component", component.ID),
				zap.String("version", component.Version),
				zap.String("kept", existing.Version))
			continue
		}
		found[component.ID] = component
	}

	for id, component := range found {
		m.components.Store(id, component)
	}
	m.components.Range(func(id string, _ *host.Component) bool {
		if _, ok := found[id]; !ok {
			m.components.Delete(id)
		}
		return true
	})

	zap.L().Info("Refreshed components", zap.Int("count", len(found)))
	return nil
}

func loadComponent(dir string) (*host.Component, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	contents, err := ReadSources(dir, manifest)
	if err != nil {
		return nil, err
	}
	return &host.Component{
		ID:       manifest.ID,
		Version:  manifest.Version,
		Dir:      dir,
		Approved: manifest.Approved,
		Sources:  manifest.Sources,
		Contents: contents,
	}, nil
}

// Component returns the component with the given id.
func (m *Manager) Component(id string) (*host.Component, error) {
	if component, ok := m.components.Load(id); ok {
		return component, nil
	}

	err := fmt.Errorf("component '%s' not found", id)
	if suggestion := core.SuggestSimilar(id, m.componentIDs()); suggestion != "" {
		err = fmt.Errorf("%w (did you mean '%s'?)", err, suggestion)
	}
	return nil, err
}

func (m *Manager) componentIDs() []string {
	var ids []string
	m.components.Range(func(id string, _ *host.Component) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// SetBuildPlan records plan for the next rebuild of component id.
func (m *Manager) SetBuildPlan(id string, plan host.BuildPlan) error {
	if _, ok := m.components.Load(id); !ok {
		return fmt.Errorf("cannot set a build plan: component '%s' not found", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[id] = plan
	return nil
}

// AddResolveHook registers a hook consulted by Resolve.
func (m *Manager) AddResolveHook(hook host.ResolveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Resolve finds a module by name, asking the resolve hooks first.
func (m *Manager) Resolve(name string) host.Module {
	m.mu.Lock()
	hooks := append([]host.ResolveHook(nil), m.hooks...)
	active := m.active
	m.mu.Unlock()

	for _, hook := range hooks {
		if mod := hook(name); mod != nil {
			return mod
		}
	}
	if active != nil && active.Name() == name {
		return active
	}
	return nil
}

func (m *Manager) ActiveModule() host.Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) SetActiveModule(mod host.Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = mod
}

func (m *Manager) Compiled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compiled
}

func (m *Manager) SetCompiled(compiled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compiled = compiled
}

// Rebuild builds every approved component into a new active module. When an
// engine is attached the build runs as a patched call on host.RebuildTarget.
func (m *Manager) Rebuild(ctx context.Context) error {
	if t := m.engine.Load(); t != nil {
		return t.Invoke(ctx, host.RebuildTarget, nil, func(ctx context.Context, call *engine.Call) {
			call.Err = m.build(ctx)
		})
	}
	return m.build(ctx)
}

func (m *Manager) build(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var components []*host.Component
	m.components.Range(func(_ string, c *host.Component) bool {
		if c.Approved {
			components = append(components, c)
		}
		return true
	})
	sort.Slice(components, func(i, j int) bool { return components[i].ID < components[j].ID })

	m.mu.Lock()
	plans := make(map[string]host.BuildPlan, len(m.plans))
	for id, plan := range m.plans {
		plans[id] = plan
	}
	generation := m.generation + 1
	m.mu.Unlock()

	mod := &Module{generation: generation}
	seen := make(map[string]string)
	for _, c := range components {
		plan := plans[c.ID]
		for _, source := range c.Sources {
			base := filepath.Base(source)
			if plan.Exclude != nil && plan.Exclude.Contains(base) {
				zap.L().Debug("Excluding source from build", zap.String("component", c.ID), zap.String("source", source))
				continue
			}
			content := c.Contents[source]
			if sub, ok := plan.Substitute[base]; ok {
				zap.L().Debug("Substituting source in build", zap.String("component", c.ID), zap.String("source", source))
				content = sub
			}

			desc, err := ParseUnit(source, content)
			if err != nil {
				return m.failBuild(fmt.Errorf("component %s: %w", c.ID, err))
			}
			if owner, dup := seen[desc.Name]; dup {
				return m.failBuild(fmt.Errorf("unit %s is declared by both %s and %s", desc.Name, owner, c.ID))
			}
			seen[desc.Name] = c.ID

			if desc.Kind == UnitKindStandIn && desc.Injected {
				mod.injected = true
			}
			mod.units = append(mod.units, &unit{desc: *desc, module: mod, runtime: m.runtime})
		}
	}

	m.mu.Lock()
	m.active = mod
	m.compiled = true
	m.generation = generation
	m.mu.Unlock()

	zap.L().Info("Built module",
		zap.Int("generation", generation),
		zap.Int("units", len(mod.units)),
		zap.Bool("injected", mod.injected))
	return nil
}

func (m *Manager) failBuild(err error) error {
	m.mu.Lock()
	m.active = nil
	m.compiled = false
	m.mu.Unlock()
	zap.L().Error("Build failed", zap.Error(err))
	return err
}

// Interface guard for Manager
var _ host.ModuleManager = &Manager{}
