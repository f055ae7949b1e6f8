package storage

import (
	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
)

// Ordered backends keep entries sorted by encoded bytes: the primary key for
// stores, the index key followed by the primary key for indexes. Pivot and
// Match are the two halves of a seek over such an ordering.

// EntryKey is the ordering bytes of one entry.
func EntryKey(index bool, key, pk keyrange.Key) []byte {
	if !index {
		return keyrange.MustEncodeKey(pk)
	}
	return append(keyrange.MustEncodeKey(key), keyrange.MustEncodeKey(pk)...)
}

// Pivot returns where a walk in dir starts. Forward walks visit entries at or
// above the pivot, reverse walks at or below it. nil walks from the end of
// the ordering.
func Pivot(index bool, kr *keyrange.KeyRange, dir iterator.Direction, from cursor.Position) []byte {
	if from.Key == nil {
		if dir == iterator.Forward {
			if lo := kr.Lower(); lo != nil {
				return keyrange.MustEncodeKey(lo)
			}
			return nil
		}
		if hi := kr.Upper(); hi != nil {
			return keyrange.PrefixSuccessor(keyrange.MustEncodeKey(hi))
		}
		return nil
	}
	p := keyrange.MustEncodeKey(from.Key)
	if index && from.PrimaryKey != nil {
		return append(p, keyrange.MustEncodeKey(from.PrimaryKey)...)
	}
	if dir == iterator.Reverse && index {
		// every entry of from.Key sorts after the bare key
		return keyrange.PrefixSuccessor(p)
	}
	return p
}

// Match decides an entry met during a walk: take it, skip it, or stop
// because the walk left the range.
func Match(kr *keyrange.KeyRange, dir iterator.Direction, from cursor.Position, inclusive bool, key, pk keyrange.Key) (take, stop bool) {
	if cursor.PastRange(dir, kr, key) {
		return false, true
	}
	if !kr.Contains(key) {
		return false, false
	}
	return cursor.Qualifies(dir, cursor.Entry{Key: key, PrimaryKey: pk}, from, inclusive), false
}
