package cursor

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Move is one slot's part of a round. A nil Move holds the slot.
type Move func(ctx context.Context) error

// Joined advances several adapters together. It is done as soon as any slot
// is exhausted, since an intersection cannot continue past the end of an input.
type Joined struct {
	slots    []Adapter
	resume   []Position
	parked   []bool
	saved    []Position
	disposed bool
}

// NewJoined joins adapters. resume, when not nil, holds one saved position per
// slot and makes Init continue from there instead of the start of each range.
func NewJoined(adapters []Adapter, resume []Position) (*Joined, error) {
	if len(adapters) == 0 {
		return nil, errors.Annotate(ErrInvalidArgument, "joined cursor needs at least one slot")
	}
	if resume != nil && len(resume) != len(adapters) {
		return nil, errors.Annotatef(ErrInvalidArgument, "%d resume positions for %d slots", len(resume), len(adapters))
	}
	return &Joined{
		slots:  adapters,
		resume: resume,
		parked: make([]bool, len(adapters)),
	}, nil
}

// Init opens every slot concurrently and returns once all of them reported
// their first position or exhaustion.
func (j *Joined) Init(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, a := range j.slots {
		i, a := i, a
		var from Position
		if j.resume != nil {
			from = j.resume[i]
		}
		if from.Exhausted {
			j.parked[i] = true
			continue
		}
		g.Go(func() error {
			return errors.Annotatef(a.Open(ctx, from.Key, from.PrimaryKey), "open slot %d (%v)", i, a.Iterator())
		})
	}
	return g.Wait()
}

// Apply runs one round: every non-nil move concurrently, returning once all
// of them finished.
func (j *Joined) Apply(ctx context.Context, moves []Move) error {
	if len(moves) != len(j.slots) {
		return errors.Annotatef(ErrInvalidArgument, "%d moves for %d slots", len(moves), len(j.slots))
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range moves {
		if m == nil {
			continue
		}
		m := m
		g.Go(func() error { return m(ctx) })
	}
	return g.Wait()
}

func (j *Joined) Len() int { return len(j.slots) }

// Done reports whether any slot is exhausted.
func (j *Joined) Done() bool {
	for i := range j.slots {
		if j.Exhausted(i) {
			return true
		}
	}
	return false
}

func (j *Joined) Exhausted(i int) bool {
	return j.parked[i] || j.slots[i].Exhausted()
}

// Adapter exposes slot i.
func (j *Joined) Adapter(i int) Adapter { return j.slots[i] }

// Key is slot i's effective key, nil once the slot is exhausted.
func (j *Joined) Key(i int) Key {
	if j.Exhausted(i) {
		return nil
	}
	return j.slots[i].Key()
}

// PrimaryKey is slot i's primary key. For a primary-key cursor it is the
// effective key.
func (j *Joined) PrimaryKey(i int) Key {
	if j.Exhausted(i) {
		return nil
	}
	a := j.slots[i]
	if !a.Iterator().IsIndexIterator() {
		return a.Key()
	}
	return a.PrimaryKey()
}

// Value is what slot i advertises: the record, or the primary key for
// key-only iterators.
func (j *Joined) Value(i int) any {
	if j.Exhausted(i) {
		return nil
	}
	return j.slots[i].Value()
}

func (j *Joined) Keys() []Key {
	out := make([]Key, len(j.slots))
	for i := range j.slots {
		out[i] = j.Key(i)
	}
	return out
}

func (j *Joined) PrimaryKeys() []Key {
	out := make([]Key, len(j.slots))
	for i := range j.slots {
		out[i] = j.PrimaryKey(i)
	}
	return out
}

func (j *Joined) Values() []any {
	out := make([]any, len(j.slots))
	for i := range j.slots {
		out[i] = j.Value(i)
	}
	return out
}

func (j *Joined) Advance(ctx context.Context, i, n int) error {
	return errors.Annotatef(j.slots[i].Advance(ctx, n), "advance slot %d", i)
}

func (j *Joined) SeekPrimaryKey(ctx context.Context, i int, target Key) error {
	return errors.Annotatef(j.slots[i].SeekPrimaryKey(ctx, target), "seek slot %d to primary key %v", i, target)
}

func (j *Joined) ContinueEffectiveKey(ctx context.Context, i int, key Key) error {
	return errors.Annotatef(j.slots[i].ContinueEffectiveKey(ctx, key), "seek slot %d to key %v", i, key)
}

// Restart reopens slot i at the start of its range.
func (j *Joined) Restart(ctx context.Context, i int) error {
	j.parked[i] = false
	return errors.Annotatef(j.slots[i].Open(ctx, nil, nil), "restart slot %d", i)
}

func (j *Joined) Update(ctx context.Context, i int, value any) error {
	return errors.Trace(j.slots[i].Update(ctx, value))
}

func (j *Joined) Clear(ctx context.Context, i int) error {
	return errors.Trace(j.slots[i].Clear(ctx))
}

// Snapshot deep-copies every slot's position.
func (j *Joined) Snapshot() []Position {
	if j.disposed {
		out := make([]Position, len(j.saved))
		for i, p := range j.saved {
			out[i] = p.Clone()
		}
		return out
	}
	out := make([]Position, len(j.slots))
	for i, a := range j.slots {
		if j.Exhausted(i) {
			out[i] = Position{Exhausted: true}
			continue
		}
		out[i] = Position{Key: a.Key(), PrimaryKey: a.PrimaryKey()}.Clone()
	}
	return out
}

// Dispose snapshots every slot and releases the adapters. Later calls return
// the same snapshot. Adapter release failures are logged.
func (j *Joined) Dispose() []Position {
	if j.disposed {
		return j.Snapshot()
	}
	j.saved = j.Snapshot()
	j.disposed = true
	for i, a := range j.slots {
		if err := a.Dispose(); err != nil {
			log.Warn("dispose cursor slot failed",
				zap.Int("slot", i), zap.Stringer("iterator", a.Iterator()), zap.Error(err))
		}
	}
	return j.Snapshot()
}
