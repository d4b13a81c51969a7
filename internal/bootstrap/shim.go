package bootstrap

import (
	"errors"
	"fmt"

	"github.com/dorcha-inc/hotpatch/internal/core"
	"github.com/dorcha-inc/hotpatch/internal/engine"
)

// ErrNilArgument is returned by Shim when a required argument is missing.
var ErrNilArgument = errors.New("bootstrap: required argument is nil")

// Shim is a small facade over the shared engine for components that only
// need to hook a target without declaring a patch source.
type Shim struct {
	bootstrap *Bootstrap
}

// NewShim creates a shim over b's shared engine
func NewShim(b *Bootstrap) *Shim {
	return &Shim{bootstrap: b}
}

var shimKinds = []engine.Kind{engine.KindBefore, engine.KindAfter, engine.KindTransform}

func shimPatchName(name string, kind engine.Kind) string {
	return name + "." + string(kind)
}

// Patch hooks target with whichever of prefix, postfix and transform are
// non-nil. Each hook becomes its own patch named "<name>.<kind>".
func (s *Shim) Patch(target engine.Target, name string, prefix engine.Prefix, postfix engine.Postfix, transform engine.Transform) error {
	if target == "" {
		return fmt.Errorf("%w: target", ErrNilArgument)
	}
	if name == "" {
		return fmt.Errorf("%w: name", ErrNilArgument)
	}

	shared, err := s.bootstrap.Shared()
	if err != nil {
		return err
	}

	base := engine.Patch{Owner: core.SharedEngineID, Priority: engine.PriorityNormal}
	var patches []engine.Patch
	if prefix != nil {
		p := base
		p.Name, p.Kind, p.Prefix = shimPatchName(name, engine.KindBefore), engine.KindBefore, prefix
		patches = append(patches, p)
	}
	if postfix != nil {
		p := base
		p.Name, p.Kind, p.Postfix = shimPatchName(name, engine.KindAfter), engine.KindAfter, postfix
		patches = append(patches, p)
	}
	if transform != nil {
		p := base
		p.Name, p.Kind, p.Transform = shimPatchName(name, engine.KindTransform), engine.KindTransform, transform
		patches = append(patches, p)
	}
	if len(patches) == 0 {
		return nil
	}
	return shared.Apply(target, patches...)
}

// ApplyBefore hooks target with prefix.
func (s *Shim) ApplyBefore(target engine.Target, name string, prefix engine.Prefix) error {
	if prefix == nil {
		return fmt.Errorf("%w: prefix", ErrNilArgument)
	}
	return s.Patch(target, name, prefix, nil, nil)
}

// ApplyAfter hooks target with postfix.
func (s *Shim) ApplyAfter(target engine.Target, name string, postfix engine.Postfix) error {
	if postfix == nil {
		return fmt.Errorf("%w: postfix", ErrNilArgument)
	}
	return s.Patch(target, name, nil, postfix, nil)
}

// ApplyTransform hooks target with transform.
func (s *Shim) ApplyTransform(target engine.Target, name string, transform engine.Transform) error {
	if transform == nil {
		return fmt.Errorf("%w: transform", ErrNilArgument)
	}
	return s.Patch(target, name, nil, nil, transform)
}

// Unpatch removes every hook Patch installed on target under name.
func (s *Shim) Unpatch(target engine.Target, name string) error {
	if target == "" {
		return fmt.Errorf("%w: target", ErrNilArgument)
	}
	if name == "" {
		return fmt.Errorf("%w: name", ErrNilArgument)
	}

	shared, err := s.bootstrap.Shared()
	if err != nil {
		return err
	}

	removed := 0
	for _, kind := range shimKinds {
		err := shared.Remove(target, shimPatchName(name, kind))
		if errors.Is(err, engine.ErrPatchNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s on %s", engine.ErrPatchNotFound, name, target)
	}
	return nil
}

// PatchedTargets lists the targets patched through the shared engine.
func (s *Shim) PatchedTargets() ([]engine.Target, error) {
	shared, err := s.bootstrap.Shared()
	if err != nil {
		return nil, err
	}
	return shared.PatchedTargets(), nil
}
