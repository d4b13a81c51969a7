// Package host defines what hotpatch needs from the process it patches: the
// host itself, its module manager, and the filesystem and process boundary.
package host

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dorcha-inc/hotpatch/internal/engine"
)

// RebuildTarget is the interceptable target of ModuleManager.Rebuild.
const RebuildTarget engine.Target = "host.ModuleManager.Rebuild"

// Unit is a loadable unit of a module with an explicit initializer.
type Unit interface {
	Name() string
	Initialize() error
}

// Module is a built code module. Units are listed in initialization order.
type Module interface {
	Name() string
	Units() []Unit
}

// Component is an installed component as seen by the module manager.
// Sources maps each source path to its content and is what the next rebuild
// compiles.
type Component struct {
	ID       string
	Version  string
	Dir      string
	Approved bool
	Sources  []string
	Contents map[string]string
}

// BuildPlan changes how the next rebuild treats a component's sources:
// Exclude drops sources by file name, Substitute replaces the content of a
// source by file name.
type BuildPlan struct {
	Exclude    mapset.Set[string]
	Substitute map[string]string
}

// NewBuildPlan creates an empty plan.
func NewBuildPlan() BuildPlan {
	return BuildPlan{
		Exclude:    mapset.NewSet[string](),
		Substitute: make(map[string]string),
	}
}

// ResolveHook resolves a module by name; it returns nil when it does not
// know the name.
type ResolveHook func(name string) Module

// ModuleManager discovers components and builds them into the active module.
type ModuleManager interface {
	Refresh(ctx context.Context) error
	Rebuild(ctx context.Context) error
	ActiveModule() Module
	SetActiveModule(m Module)
	Compiled() bool
	SetCompiled(compiled bool)
	Component(id string) (*Component, error)
	SetBuildPlan(id string, plan BuildPlan) error
	AddResolveHook(hook ResolveHook)
}

// Host is the running process being patched.
type Host interface {
	// Ready reports whether the host finished its own start-up sequence.
	Ready() bool
	// HotReloadConfig makes newly created objects use the active module.
	HotReloadConfig() error
	// DataDir is the host's data directory.
	DataDir() string
}

// BinaryLoader pulls a companion binary into the process.
type BinaryLoader interface {
	Load(path string) error
}

// BinaryLoaderFunc adapts a function to BinaryLoader.
type BinaryLoaderFunc func(path string) error

func (f BinaryLoaderFunc) Load(path string) error { return f(path) }
