package cursor

import (
	"context"
	"sync"

	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

// adapter is the Adapter every backend shares; backends only supply a Source.
type adapter struct {
	mu        sync.Mutex
	it        *iterator.Iterator
	src       Source
	cur       Entry
	opened    bool
	exhausted bool
	disposed  bool
}

// NewAdapter builds an Adapter translating cursor moves into seeks on src.
func NewAdapter(src Source, it *iterator.Iterator) Adapter {
	return &adapter{it: it, src: src}
}

func (a *adapter) Iterator() *iterator.Iterator { return a.it }

func (a *adapter) Key() Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur.Key
}

func (a *adapter) PrimaryKey() Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur.PrimaryKey
}

func (a *adapter) Value() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.it.IsKeyOnly() {
		return a.cur.PrimaryKey
	}
	return a.cur.Value
}

func (a *adapter) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted
}

func (a *adapter) dir() iterator.Direction { return a.it.Direction() }

// compare orders (key, pk) against the current position in cursor direction.
func (a *adapter) compare(key, pk Key) int {
	c := ComparePosition(key, pk, a.cur.Key, a.cur.PrimaryKey)
	if a.dir() == iterator.Reverse {
		return -c
	}
	return c
}

func (a *adapter) set(e Entry, ok bool) {
	if !ok {
		a.cur = Entry{}
		a.exhausted = true
		return
	}
	a.cur = e
	a.exhausted = false
}

func (a *adapter) seek(ctx context.Context, from Position, inclusive bool) error {
	e, ok, err := a.src.Seek(ctx, a.dir(), from, inclusive)
	if err != nil {
		return errors.Trace(err)
	}
	a.set(e, ok)
	return a.settleUnique(ctx)
}

// settleUnique moves a unique reverse cursor to the lowest primary key of its
// effective key, so both directions report the same record per key.
func (a *adapter) settleUnique(ctx context.Context) error {
	if a.exhausted || !a.it.IsUnique() || a.dir() != iterator.Reverse {
		return nil
	}
	e, ok, err := a.src.Seek(ctx, iterator.Forward, Position{Key: a.cur.Key}, true)
	if err != nil {
		return errors.Trace(err)
	}
	if ok && keyrange.Equal(e.Key, a.cur.Key) {
		a.cur = e
	}
	return nil
}

// normalize accepts caller keys such as Go ints; nil stays nil.
func normalize(keys ...*Key) error {
	for _, k := range keys {
		if *k == nil {
			continue
		}
		n, err := keyrange.Normalize(*k)
		if err != nil {
			return errors.Trace(err)
		}
		*k = n
	}
	return nil
}

func (a *adapter) checkMove() error {
	if a.disposed {
		return errors.Annotate(ErrCursorGone, "cursor disposed")
	}
	if !a.opened {
		return errors.Annotate(ErrCursorGone, "cursor not opened")
	}
	if a.exhausted {
		return errors.Annotate(ErrCursorGone, "cursor exhausted")
	}
	return nil
}

func (a *adapter) Open(ctx context.Context, startKey, startPrimaryKey Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return errors.Annotate(ErrCursorGone, "cursor disposed")
	}
	if err := normalize(&startKey, &startPrimaryKey); err != nil {
		return err
	}
	a.opened = true
	from := Position{Key: startKey}
	if startKey != nil {
		from.PrimaryKey = startPrimaryKey
	}
	return a.seek(ctx, from, true)
}

func (a *adapter) next(ctx context.Context) error {
	if a.it.IsUnique() {
		return a.seek(ctx, Position{Key: a.cur.Key}, false)
	}
	return a.seek(ctx, Position{Key: a.cur.Key, PrimaryKey: a.cur.PrimaryKey}, false)
}

func (a *adapter) Advance(ctx context.Context, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return errors.Annotatef(ErrInvalidArgument, "advance by %d", n)
	}
	if err := a.checkMove(); err != nil {
		return err
	}
	if st, ok := a.src.(Stepper); ok && !a.it.IsUnique() && n > 1 {
		e, found, err := st.Step(ctx, a.dir(), Position{Key: a.cur.Key, PrimaryKey: a.cur.PrimaryKey}, n)
		if err != nil {
			return errors.Trace(err)
		}
		a.set(e, found)
		return nil
	}
	for i := 0; i < n && !a.exhausted; i++ {
		if err := a.next(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *adapter) SeekPrimaryKey(ctx context.Context, target Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMove(); err != nil {
		return err
	}
	if err := normalize(&target); err != nil {
		return err
	}
	if !a.it.IsIndexIterator() {
		return a.continueKey(ctx, target)
	}
	if target == nil || a.it.IsUnique() || a.compare(a.cur.Key, target) <= 0 {
		return a.next(ctx)
	}
	return a.seek(ctx, Position{Key: a.cur.Key, PrimaryKey: target}, true)
}

func (a *adapter) ContinueEffectiveKey(ctx context.Context, key Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMove(); err != nil {
		return err
	}
	if err := normalize(&key); err != nil {
		return err
	}
	return a.continueKey(ctx, key)
}

func (a *adapter) continueKey(ctx context.Context, key Key) error {
	if key == nil {
		return a.next(ctx)
	}
	c := keyrange.Compare(key, a.cur.Key)
	if a.dir() == iterator.Reverse {
		c = -c
	}
	if c <= 0 {
		return a.next(ctx)
	}
	return a.seek(ctx, Position{Key: key}, true)
}

func (a *adapter) ContinuePrimaryKey(ctx context.Context, key, primaryKey Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMove(); err != nil {
		return err
	}
	if key == nil || primaryKey == nil {
		return errors.Annotate(ErrInvalidArgument, "continue primary key needs both keys")
	}
	if err := normalize(&key, &primaryKey); err != nil {
		return err
	}
	if a.compare(key, primaryKey) <= 0 {
		return a.next(ctx)
	}
	return a.seek(ctx, Position{Key: key, PrimaryKey: primaryKey}, true)
}

func (a *adapter) Update(ctx context.Context, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMove(); err != nil {
		return err
	}
	if err := a.src.Update(ctx, a.cur.PrimaryKey, value); err != nil {
		return errors.Trace(err)
	}
	if !a.it.IsKeyOnly() {
		a.cur.Value = value
	}
	return nil
}

func (a *adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMove(); err != nil {
		return err
	}
	return errors.Trace(a.src.Delete(ctx, a.cur.PrimaryKey))
}

func (a *adapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil
	}
	a.disposed = true
	a.cur = Entry{}
	return errors.Trace(a.src.Close())
}
