// Package engine defines the contract of the method-interception engine and
// ships Table, an in-memory implementation that runs hooks around plain Go
// functions.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the kind of a patch.
type Kind string

const (
	KindBefore    Kind = "before"
	KindAfter     Kind = "after"
	KindTransform Kind = "transform"
)

var validKinds = map[Kind]struct{}{
	KindBefore:    {},
	KindAfter:     {},
	KindTransform: {},
}

// Priorities used to order patches on the same target; higher runs first.
const (
	PriorityLast             = 0
	PriorityVeryLow          = 100
	PriorityLow              = 200
	PriorityLowerThanNormal  = 300
	PriorityNormal           = 400
	PriorityHigherThanNormal = 500
	PriorityHigh             = 600
	PriorityVeryHigh         = 700
	PriorityFirst            = 800
)

// Target identifies an interceptable operation, e.g. "host.ModuleManager.Rebuild".
type Target string

// Call carries the arguments and result of an intercepted invocation. Hooks
// may read and replace both.
type Call struct {
	Target Target
	Args   []any
	Result any
	Err    error
}

// Prefix runs before the original. Returning false skips the original and any
// remaining prefixes.
type Prefix func(ctx context.Context, call *Call) bool

// Postfix runs after the original, or after the prefixes that skipped it.
type Postfix func(ctx context.Context, call *Call)

// Transform wraps the original and returns its replacement.
type Transform func(original func(ctx context.Context, call *Call)) func(ctx context.Context, call *Call)

// Patch is one hook on one target.
type Patch struct {
	Name     string
	Owner    string
	Kind     Kind
	Priority int
	// Before and After name patches on the same target this one must run
	// before or after.
	Before []string
	After  []string

	Prefix    Prefix
	Postfix   Postfix
	Transform Transform
}

// Validate checks that p is usable.
func (p Patch) Validate() error {
	if p.Name == "" {
		return errors.New("patch name cannot be empty")
	}
	if p.Owner == "" {
		return fmt.Errorf("patch %s: owner cannot be empty", p.Name)
	}
	if _, ok := validKinds[p.Kind]; !ok {
		return fmt.Errorf("patch %s: invalid kind %q (valid: before, after, transform)", p.Name, p.Kind)
	}

	var hooked bool
	switch p.Kind {
	case KindBefore:
		hooked = p.Prefix != nil
	case KindAfter:
		hooked = p.Postfix != nil
	case KindTransform:
		hooked = p.Transform != nil
	}
	if !hooked {
		return fmt.Errorf("patch %s: missing %s hook", p.Name, p.Kind)
	}
	return nil
}

// Declaration is a patch together with the target it applies to.
type Declaration struct {
	Target Target
	Patch  Patch
}

// Source declares patches for bulk application.
type Source interface {
	PatchDeclarations() []Declaration
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []Declaration

func (f SourceFunc) PatchDeclarations() []Declaration { return f() }

// Engine applies and removes patches.
type Engine interface {
	ID() string
	ApplyAll(src Source) error
	Apply(target Target, patches ...Patch) error
	Remove(target Target, name string) error
	RemoveAll(owner string) error
	PatchedTargets() []Target
}

// Factory creates an engine with the given id.
type Factory func(id string) (Engine, error)
