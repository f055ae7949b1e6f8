package solver

import (
	"sort"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

// Solver decides the next round of a scan. keys holds each slot's effective
// key and primaryKeys what each slot advertises as its primary key; a nil
// entry means the slot is exhausted. Solvers are pure and assume the slots
// advance in ascending order.
type Solver interface {
	Name() string
	Solve(keys, primaryKeys []Key) Directive
}

// Func adapts a function to Solver.
type Func struct {
	ID string
	F  func(keys, primaryKeys []Key) Directive
}

func (f Func) Name() string                            { return f.ID }
func (f Func) Solve(keys, primaryKeys []Key) Directive { return f.F(keys, primaryKeys) }

const (
	NestedLoopName  = "nested-loop"
	SortedMergeName = "sorted-merge"
	ZigzagMergeName = "zigzag-merge"
)

var registry = map[string]Solver{
	NestedLoopName:  NestedLoop{},
	SortedMergeName: SortedMerge{},
	ZigzagMergeName: ZigzagMerge{},
}

// ByName resolves a built-in solver.
func ByName(name string) (Solver, error) {
	s, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown solver %q, want one of %v", name, Names())
	}
	return s, nil
}

// Names lists the built-in solvers.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func anyNil(ks []Key) bool {
	for _, k := range ks {
		if k == nil {
			return true
		}
	}
	return false
}

// NestedLoop drives the scan from slot 0 and probes every other slot for the
// driver's primary key. A probe that lands past the key means the driver's
// record is missing there, so the driver moves on.
//
// Probes only move forward, so every slot must yield ascending primary keys:
// the primary store scanned forward, or an index over a single key value.
// Over a multi-valued index range a miss is not final and matches are lost;
// use ZigzagMerge or SortedMerge there.
type NestedLoop struct{}

func (NestedLoop) Name() string { return NestedLoopName }

func (NestedLoop) Solve(keys, pks []Key) Directive {
	if len(pks) == 0 || anyNil(keys) || anyNil(pks) {
		return Stop{}
	}
	n := len(pks)
	driver := pks[0]
	targets := make([]Key, n)
	probing, missed := false, false
	for i := 1; i < n; i++ {
		switch c := keyrange.Compare(pks[i], driver); {
		case c < 0:
			targets[i] = driver
			probing = true
		case c > 0:
			missed = true
		}
	}
	switch {
	case probing:
		return SeekPrimaryKey{Targets: targets}
	case missed:
		return One(0, n)
	}
	return Emit{Key: driver, Then: One(0, n)}
}

// SortedMerge intersects slots sorted on primary key. Slots behind the
// largest primary key skip to it; when all agree the key is a match.
type SortedMerge struct{}

func (SortedMerge) Name() string { return SortedMergeName }

func (SortedMerge) Solve(keys, pks []Key) Directive {
	if len(pks) == 0 || anyNil(keys) || anyNil(pks) {
		return Stop{}
	}
	top := pks[0]
	for _, pk := range pks[1:] {
		if keyrange.Compare(pk, top) > 0 {
			top = pk
		}
	}
	targets := make([]Key, len(pks))
	behind := false
	for i, pk := range pks {
		if keyrange.Compare(pk, top) < 0 {
			targets[i] = top
			behind = true
		}
	}
	if !behind {
		return Emit{Key: top, Then: All(len(pks))}
	}
	return SeekPrimaryKey{Targets: targets}
}

// ZigzagMerge intersects compound indexes keyed (join value, ordering value).
// It compares the ordering component and seeks a lagging slot within its own
// join prefix, so matches come out in ordering-value order.
type ZigzagMerge struct{}

func (ZigzagMerge) Name() string { return ZigzagMergeName }

func (ZigzagMerge) Solve(keys, pks []Key) Directive {
	if len(pks) == 0 || anyNil(keys) || anyNil(pks) {
		return Stop{}
	}
	n := len(keys)
	lead := 0
	for i := 1; i < n; i++ {
		if compareOrdering(keys[i], pks[i], keys[lead], pks[lead]) > 0 {
			lead = i
		}
	}
	maxOrd, maxPK := keyrange.Last(keys[lead]), pks[lead]

	keyTargets := make([]Key, n)
	pkTargets := make([]Key, n)
	seekKeys, seekPKs := false, false
	for i := 0; i < n; i++ {
		switch c := keyrange.Compare(keyrange.Last(keys[i]), maxOrd); {
		case c < 0:
			keyTargets[i] = withOrdering(keys[i], maxOrd)
			seekKeys = true
		case keyrange.Compare(pks[i], maxPK) < 0:
			pkTargets[i] = maxPK
			seekPKs = true
		}
	}
	switch {
	case seekKeys:
		return SeekEffectiveKey{Targets: keyTargets}
	case seekPKs:
		return SeekPrimaryKey{Targets: pkTargets}
	}
	return Emit{Key: maxPK, Then: All(n)}
}

// withOrdering replaces the ordering component of key.
func withOrdering(key, ord Key) Key {
	if _, ok := key.([]any); !ok {
		return ord
	}
	return append(keyrange.Prefix(key), ord)
}

func compareOrdering(aKey, aPK, bKey, bPK Key) int {
	if c := keyrange.Compare(keyrange.Last(aKey), keyrange.Last(bKey)); c != 0 {
		return c
	}
	return keyrange.Compare(aPK, bPK)
}
