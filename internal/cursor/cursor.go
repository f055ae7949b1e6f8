// Package cursor defines the cursor adapter contract every backend satisfies
// and the joined cursor that advances several adapters in lock step.
package cursor

import (
	"context"

	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

var (
	// ErrCursorGone is returned when a cursor is moved or mutated after it was
	// exhausted or disposed.
	ErrCursorGone = errors.New("cursor gone")
	// ErrInvalidArgument is returned for malformed moves such as advancing by 0.
	ErrInvalidArgument = errors.New("invalid cursor argument")
)

// Key is an effective or primary key.
type Key = keyrange.Key

// Adapter is the capability set a backend cursor offers. Moves are strictly
// forward in the cursor's direction. A cursor that runs out of records is
// exhausted; that is reported by Exhausted, never as an error.
type Adapter interface {
	// Open positions at the first record at or after startKey, skipping to
	// startPrimaryKey within ties when both are given. Open may be called
	// again to rewind.
	Open(ctx context.Context, startKey, startPrimaryKey Key) error
	// Advance steps n records forward; n must be positive.
	Advance(ctx context.Context, n int) error
	// SeekPrimaryKey stays on the current effective key and skips to the first
	// record whose primary key reaches target. When the run of the current
	// effective key ends first, the cursor lands on the next effective key.
	SeekPrimaryKey(ctx context.Context, target Key) error
	// ContinueEffectiveKey moves to the first record whose effective key
	// reaches key. A nil key advances by one.
	ContinueEffectiveKey(ctx context.Context, key Key) error
	// ContinuePrimaryKey moves to the first record at or after (key, primaryKey).
	ContinuePrimaryKey(ctx context.Context, key, primaryKey Key) error
	// Update replaces the record at the current position.
	Update(ctx context.Context, value any) error
	// Clear deletes the record at the current position.
	Clear(ctx context.Context) error
	// Dispose releases backend resources. It is idempotent.
	Dispose() error

	Key() Key
	PrimaryKey() Key
	// Value is the record, or the primary key for key-only iterators.
	Value() any
	Exhausted() bool
	Iterator() *iterator.Iterator
}

// Position is a saved cursor location.
type Position struct {
	Key        Key
	PrimaryKey Key
	Exhausted  bool
}

// Clone deep-copies the keys of p.
func (p Position) Clone() Position {
	return Position{Key: keyrange.Clone(p.Key), PrimaryKey: keyrange.Clone(p.PrimaryKey), Exhausted: p.Exhausted}
}

// IsZero reports whether p names no location, meaning the start of the range.
func (p Position) IsZero() bool {
	return p.Key == nil && p.PrimaryKey == nil && !p.Exhausted
}

// Entry is one record seen through a source.
type Entry struct {
	Key        Key
	PrimaryKey Key
	Value      any
}

// Source is a backend's native access path over one store or index inside an
// open transaction. Every entry it returns lies inside the iterator's range.
type Source interface {
	// Seek returns the first entry at or after from in direction dir. A zero
	// from means the start of the range. When from.PrimaryKey is nil only
	// effective keys are compared. inclusive decides whether an entry equal
	// to from qualifies.
	Seek(ctx context.Context, dir iterator.Direction, from Position, inclusive bool) (Entry, bool, error)
	// Update replaces the record stored under primaryKey.
	Update(ctx context.Context, primaryKey Key, value any) error
	// Delete removes the record stored under primaryKey.
	Delete(ctx context.Context, primaryKey Key) error
	Close() error
}

// Stepper is implemented by sources that skip n entries natively.
type Stepper interface {
	// Step returns the n-th entry after from (exclusive) in direction dir.
	Step(ctx context.Context, dir iterator.Direction, from Position, n int) (Entry, bool, error)
}

// ComparePosition orders (key, primaryKey) pairs. A nil primary key sorts
// before every primary key of the same effective key.
func ComparePosition(aKey, aPK, bKey, bPK Key) int {
	if c := keyrange.Compare(aKey, bKey); c != 0 {
		return c
	}
	return keyrange.Compare(aPK, bPK)
}

// Qualifies reports whether e lies at or after from in direction dir. Sources
// use it to filter entries their native positioning could not exclude.
func Qualifies(dir iterator.Direction, e Entry, from Position, inclusive bool) bool {
	if from.Key == nil {
		return true
	}
	var c int
	if from.PrimaryKey == nil {
		c = keyrange.Compare(e.Key, from.Key)
	} else {
		c = ComparePosition(e.Key, e.PrimaryKey, from.Key, from.PrimaryKey)
	}
	if dir == iterator.Reverse {
		c = -c
	}
	if inclusive {
		return c >= 0
	}
	return c > 0
}

// PastRange reports whether key lies beyond the far end of kr for direction
// dir, which ends a scan.
func PastRange(dir iterator.Direction, kr *keyrange.KeyRange, key Key) bool {
	pos := kr.Compare(key)
	if dir == iterator.Reverse {
		return pos == keyrange.Below
	}
	return pos == keyrange.Above
}
