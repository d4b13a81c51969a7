package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

// ErrPatchNotFound is returned when removing a patch that is not applied.
var ErrPatchNotFound = errors.New("engine: patch not found")

type entry struct {
	patch Patch
	seq   uint64
}

// Table is an in-memory Engine. Patches are stored per target and run by
// Invoke around the original function.
type Table struct {
	id      string
	targets *xsync.MapOf[Target, []entry]
	owners  mapset.Set[string]
	seq     atomic.Uint64
}

// NewTable creates an empty patch table
func NewTable(id string) *Table {
	return &Table{
		id:      id,
		targets: xsync.NewMapOf[Target, []entry](),
		owners:  mapset.NewSet[string](),
	}
}

// NewFactory returns a Factory creating tables. Every table it creates is also
// passed to register, if non-nil, so the host can route calls through it.
func NewFactory(register func(*Table)) Factory {
	return func(id string) (Engine, error) {
		if id == "" {
			return nil, errors.New("engine id cannot be empty")
		}
		t := NewTable(id)
		if register != nil {
			register(t)
		}
		return t, nil
	}
}

func (t *Table) ID() string { return t.id }

// ApplyAll applies every declaration of src, stopping at the first error.
func (t *Table) ApplyAll(src Source) error {
	if src == nil {
		return errors.New("patch source cannot be nil")
	}
	for _, decl := range src.PatchDeclarations() {
		if err := t.Apply(decl.Target, decl.Patch); err != nil {
			return err
		}
	}
	return nil
}

// Apply adds patches to target. Names must be unique per target.
func (t *Table) Apply(target Target, patches ...Patch) error {
	if target == "" {
		return errors.New("target cannot be empty")
	}
	for _, p := range patches {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("failed to apply patch to %s: %w", target, err)
		}
	}

	var applyErr error
	t.targets.Compute(target, func(old []entry, _ bool) ([]entry, bool) {
		next := slices.Clone(old)
		for _, p := range patches {
			if slices.ContainsFunc(next, func(e entry) bool { return e.patch.Name == p.Name }) {
				applyErr = fmt.Errorf("patch %s is already applied to %s", p.Name, target)
				return old, len(old) == 0
			}
			next = append(next, entry{patch: p, seq: t.seq.Add(1)})
		}
		return next, false
	})
	if applyErr != nil {
		return applyErr
	}

	for _, p := range patches {
		t.owners.Add(p.Owner)
		zap.L().Debug("Patch applied",
			zap.String("engine_id", t.id),
			zap.String("target", string(target)),
			zap.String("patch", p.Name),
			zap.String("kind", string(p.Kind)),
			zap.Int("priority", p.Priority))
	}
	return nil
}

// Remove removes the patch named name from target.
func (t *Table) Remove(target Target, name string) error {
	found := false
	t.targets.Compute(target, func(old []entry, loaded bool) ([]entry, bool) {
		if !loaded {
			return nil, true
		}
		next := slices.DeleteFunc(slices.Clone(old), func(e entry) bool { return e.patch.Name == name })
		found = len(next) != len(old)
		return next, len(next) == 0
	})
	if !found {
		return fmt.Errorf("%w: %s on %s", ErrPatchNotFound, name, target)
	}

	zap.L().Debug("Patch removed",
		zap.String("engine_id", t.id),
		zap.String("target", string(target)),
		zap.String("patch", name))
	return nil
}

// RemoveAll removes every patch applied by owner.
func (t *Table) RemoveAll(owner string) error {
	removed := 0
	t.targets.Range(func(target Target, _ []entry) bool {
		t.targets.Compute(target, func(old []entry, loaded bool) ([]entry, bool) {
			if !loaded {
				return nil, true
			}
			next := slices.DeleteFunc(slices.Clone(old), func(e entry) bool { return e.patch.Owner == owner })
			removed += len(old) - len(next)
			return next, len(next) == 0
		})
		return true
	})
	t.owners.Remove(owner)

	zap.L().Debug("Patches removed",
		zap.String("engine_id", t.id),
		zap.String("owner", owner),
		zap.Int("count", removed))
	return nil
}

// PatchedTargets returns every target with at least one patch, sorted.
func (t *Table) PatchedTargets() []Target {
	var out []Target
	t.targets.Range(func(target Target, entries []entry) bool {
		if len(entries) > 0 {
			out = append(out, target)
		}
		return true
	})
	slices.Sort(out)
	return out
}

// Owners returns the owners of the applied patches.
func (t *Table) Owners() mapset.Set[string] {
	return t.owners.Clone()
}

// Patches returns the patches on target in the order Invoke runs them.
func (t *Table) Patches(target Target) []Patch {
	entries, _ := t.targets.Load(target)
	ordered := order(entries)
	out := make([]Patch, len(ordered))
	for i, e := range ordered {
		out[i] = e.patch
	}
	return out
}

// Invoke runs original with the patches on target around it and returns
// call.Err. A panic in a hook or in original is recovered into call.Err.
func (t *Table) Invoke(ctx context.Context, target Target, call *Call, original func(ctx context.Context, call *Call)) (err error) {
	if call == nil {
		call = &Call{}
	}
	call.Target = target

	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("engine "+t.id+" "+string(target), r)
			call.Err = fmt.Errorf("patched call %s panicked: %v", target, r)
			err = call.Err
		}
	}()

	entries, _ := t.targets.Load(target)
	ordered := order(entries)

	body := original
	for _, e := range ordered {
		if e.patch.Kind == KindTransform && body != nil {
			body = e.patch.Transform(body)
		}
	}

	runOriginal := true
	for _, e := range ordered {
		if e.patch.Kind != KindBefore {
			continue
		}
		if !e.patch.Prefix(ctx, call) {
			runOriginal = false
			zap.L().Debug("Original call skipped",
				zap.String("target", string(target)),
				zap.String("patch", e.patch.Name))
			break
		}
	}

	if runOriginal && body != nil {
		body(ctx, call)
	}

	for _, e := range ordered {
		if e.patch.Kind == KindAfter {
			e.patch.Postfix(ctx, call)
		}
	}

	return call.Err
}

// order sorts entries by priority (highest first), then registration order,
// and then moves entries to honor their Before/After constraints. Constraints
// naming absent patches are ignored; a cycle falls back to the base order.
func order(entries []entry) []entry {
	base := slices.Clone(entries)
	sort.SliceStable(base, func(i, j int) bool {
		if base[i].patch.Priority != base[j].patch.Priority {
			return base[i].patch.Priority > base[j].patch.Priority
		}
		return base[i].seq < base[j].seq
	})

	index := make(map[string]int, len(base))
	for i, e := range base {
		index[e.patch.Name] = i
	}

	// edges[i] lists entries that must run after entry i.
	edges := make([][]int, len(base))
	indegree := make([]int, len(base))
	addEdge := func(from, to int) {
		edges[from] = append(edges[from], to)
		indegree[to]++
	}
	for i, e := range base {
		for _, name := range e.patch.Before {
			if j, ok := index[name]; ok && j != i {
				addEdge(i, j)
			}
		}
		for _, name := range e.patch.After {
			if j, ok := index[name]; ok && j != i {
				addEdge(j, i)
			}
		}
	}

	out := make([]entry, 0, len(base))
	done := make([]bool, len(base))
	for len(out) < len(base) {
		next := -1
		for i := range base {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			zap.L().Warn("Patch ordering constraints form a cycle, using priority order")
			return base
		}
		done[next] = true
		out = append(out, base[next])
		for _, j := range edges[next] {
			indegree[j]--
		}
	}
	return out
}

// Interface guard for Table
var _ Engine = &Table{}
