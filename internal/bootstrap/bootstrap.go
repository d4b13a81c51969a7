// Package bootstrap creates the shared patch engine once per process, when the
// injected module variant initializes, and applies the patches its sources
// declare. A failed bootstrap unwinds what it applied and leaves the shared
// engine unavailable.
package bootstrap

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/engine"
	"github.com/dorcha-inc/hotpatch/internal/failure"
	"github.com/dorcha-inc/hotpatch/internal/host"
)

// ErrUnavailable is returned by Shared when the shared engine does not exist.
var ErrUnavailable = errors.New("bootstrap: the shared engine is not currently available")

// Bootstrap owns the shared engine instance.
type Bootstrap struct {
	factory engine.Factory

	once     sync.Once
	mu       sync.RWMutex
	instance engine.Engine
	err      error
}

// New creates a bootstrap creating its engine through factory
func New(factory engine.Factory) *Bootstrap {
	return &Bootstrap{factory: factory}
}

// Run creates the shared engine and applies every declaration of sources. It
// does its work at most once per Bootstrap; later calls return the first
// result. When injected is false Run does nothing and does not count as the
// one run. Failures are logged and returned; initializers calling Run may
// ignore the error.
func (b *Bootstrap) Run(injected bool, sources ...engine.Source) error {
	if !injected {
		zap.L().Debug("Not running injected, skipping bootstrap")
		return nil
	}
	b.once.Do(func() {
		b.err = b.run(sources)
	})
	return b.err
}

func (b *Bootstrap) run(sources []engine.Source) (err error) {
	zap.L().Info("Starting initialization", zap.String("component", "bootstrap"))

	var instance engine.Engine
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("bootstrap", r)
			err = failure.FromPanic(r)
		}
		if err == nil {
			return
		}

		zap.L().Error("An error was raised during initialization",
			zap.String("component", "bootstrap"),
			zap.Error(err))
		if instance != nil {
			zap.L().Info("Reversing all patches that may have been applied before the error",
				zap.String("component", "bootstrap"))
			unwind(instance)
		}
		b.mu.Lock()
		b.instance = nil
		b.mu.Unlock()
		zap.L().Error("Initialization failed", zap.String("component", "bootstrap"))
	}()

	instance, err = b.factory(core.SharedEngineID)
	if err != nil {
		return fmt.Errorf("failed to create the shared engine: %w", err)
	}
	if instance == nil {
		return errors.New("engine factory returned no engine")
	}

	for _, src := range sources {
		if err := instance.ApplyAll(src); err != nil {
			return fmt.Errorf("failed to apply patches: %w", err)
		}
	}

	b.mu.Lock()
	b.instance = instance
	b.mu.Unlock()

	zap.L().Info("Initialization successful",
		zap.String("component", "bootstrap"),
		zap.Int("patched_targets", len(instance.PatchedTargets())))
	return nil
}

// unwind removes every patch of the shared owner. Failures are swallowed:
// there is nothing safer to fall back to.
func unwind(instance engine.Engine) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Debug("Ignoring panic while reversing patches", zap.Any("panic_value", r))
		}
	}()
	if err := instance.RemoveAll(core.SharedEngineID); err != nil {
		zap.L().Debug("Ignoring error while reversing patches", zap.Error(err))
	}
}

// Available reports whether the shared engine exists.
func (b *Bootstrap) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.instance != nil
}

// Shared returns the shared engine or ErrUnavailable.
func (b *Bootstrap) Shared() (engine.Engine, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.instance == nil {
		return nil, ErrUnavailable
	}
	return b.instance, nil
}

func unitNames(module host.Module) []string {
	units := module.Units()
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name()
	}
	return names
}

// LookupUnit returns the unit of module named name. When there is none it
// logs an error, with a suggestion when a similar name exists, and returns nil.
func LookupUnit(module host.Module, name string) host.Unit {
	if module == nil {
		zap.L().Error("Failed to look up unit: no module", zap.String("unit", name))
		return nil
	}

	for _, u := range module.Units() {
		if u.Name() == name {
			return u
		}
	}

	fields := []zap.Field{zap.String("unit", name), zap.String("module", module.Name())}
	if suggestion := core.SuggestSimilar(name, unitNames(module)); suggestion != "" {
		fields = append(fields, zap.String("did_you_mean", suggestion))
	}
	zap.L().Error("Failed to get unit", fields...)
	return nil
}

// TryLookupUnit is LookupUnit reporting whether the unit was found.
func TryLookupUnit(module host.Module, name string) (host.Unit, bool) {
	u := LookupUnit(module, name)
	return u, u != nil
}
