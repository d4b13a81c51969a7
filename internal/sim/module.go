package sim

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/failure"
	"github.com/dorcha-inc/hotpatch/internal/host"
)

// ModuleName is the name every built module carries.
const ModuleName = "components"

// Runtime is what units reach when they initialize. Nil hooks are skipped.
type Runtime struct {
	// Start constructs and starts the reload orchestrator.
	Start func()
	// Bootstrap runs the bootstrap initializer.
	Bootstrap func(injected bool) error
}

// Module is a module built from component sources. Each rebuild produces a
// new Module.
type Module struct {
	generation int
	units      []host.Unit
	injected   bool
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Units() []host.Unit { return m.units }

// Generation counts rebuilds, starting at 1.
func (m *Module) Generation() int { return m.generation }

// Injected reports whether the module was built with the stand-in source,
// which only happens in the injected rebuild.
func (m *Module) Injected() bool { return m.injected }

// UnitError is returned by a unit whose descriptor sets fail.
type UnitError struct {
	Unit    string
	Message string
}

func (e *UnitError) Error() string {
	return e.Message
}

// unit is a host.Unit built from a descriptor.
type unit struct {
	desc    UnitDescriptor
	module  *Module
	runtime *Runtime
}

func (u *unit) Name() string { return u.desc.Name }

func (u *unit) Initialize() error {
	if u.desc.Panic != "" {
		panic(u.desc.Panic)
	}
	if u.desc.Fail != "" {
		return &UnitError{Unit: u.desc.Name, Message: u.desc.Fail}
	}

	switch u.desc.Kind {
	case UnitKindBootstrap:
		if u.runtime == nil || u.runtime.Bootstrap == nil {
			return nil
		}
		if err := u.runtime.Bootstrap(u.module.Injected()); err != nil {
			zap.L().Warn("Bootstrap failed, continuing without the shared engine",
				zap.String("unit", u.desc.Name), zap.Error(err))
		}
	case UnitKindOrchestrator:
		if u.runtime == nil || u.runtime.Start == nil {
			return nil
		}
		u.runtime.Start()
	case UnitKindStandIn:
		zap.L().Debug("Patch engine already injected", zap.String("unit", u.desc.Name))
	case UnitKindPlain, "":
	default:
		return failure.New(fmt.Sprintf("unit %s has unknown kind %q", u.desc.Name, u.desc.Kind))
	}
	return nil
}

// InitializeAll runs every unit of m in order and returns the errors it
// collected. Panics are reported as errors.
func InitializeAll(m host.Module) []error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, u := range m.Units() {
		if err := safeInitialize(u); err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", u.Name(), err))
		}
	}
	return errs
}

func safeInitialize(u host.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer panicked: %v", r)
		}
	}()
	return u.Initialize()
}

// Interface guards
var (
	_ host.Module = &Module{}
	_ host.Unit   = &unit{}
)
