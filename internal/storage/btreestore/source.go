package btreestore

import (
	"context"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
)

// source walks one tree of a transaction. Every seek starts from a pivot in
// the tree, so cursors stay valid while the transaction writes.
type source struct {
	tx      *txn
	st      *schema.Store
	tree    *tree
	primary *tree
	kr      *keyrange.KeyRange
	index   bool
	keyOnly bool
}

func (s *source) Seek(_ context.Context, dir iterator.Direction, from cursor.Position, inclusive bool) (cursor.Entry, bool, error) {
	s.tx.mu.RLock()
	defer s.tx.mu.RUnlock()
	if s.tx.scope.Done {
		return cursor.Entry{}, false, errors.Trace(storage.ErrTxDone)
	}
	return s.seekLocked(dir, from, inclusive)
}

func (s *source) seekLocked(dir iterator.Direction, from cursor.Position, inclusive bool) (cursor.Entry, bool, error) {
	var found *item
	visit := func(i *item) bool {
		take, stop := storage.Match(s.kr, dir, from, inclusive, i.key, i.pk)
		if take {
			found = i
		}
		return !take && !stop
	}
	pivot := storage.Pivot(s.index, s.kr, dir, from)
	switch {
	case dir == iterator.Forward && pivot == nil:
		s.tree.Ascend(visit)
	case dir == iterator.Forward:
		s.tree.AscendGreaterOrEqual(&item{enc: pivot}, visit)
	case pivot == nil:
		s.tree.Descend(visit)
	default:
		s.tree.DescendLessOrEqual(&item{enc: pivot}, visit)
	}
	if found == nil {
		return cursor.Entry{}, false, nil
	}
	e := cursor.Entry{Key: found.key, PrimaryKey: found.pk}
	if s.keyOnly {
		return e, true, nil
	}
	rec := found
	if s.index {
		var ok bool
		if rec, ok = s.primary.Get(primaryItem(found.pk)); !ok {
			return cursor.Entry{}, false, errors.Errorf("index entry %v of %q points at missing record %v", found.key, s.st.Name, found.pk)
		}
	}
	v, err := storage.DecodeRecord(rec.value)
	if err != nil {
		return cursor.Entry{}, false, err
	}
	e.Value = v
	return e, true, nil
}

func (s *source) Update(_ context.Context, pk keyrange.Key, value any) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.tx.scope.CheckWrite(s.st.Name); err != nil {
		return err
	}
	rec, err := storage.AsRecord(s.st, pk, value)
	if err != nil {
		return err
	}
	return s.tx.put(s.st, pk, rec)
}

func (s *source) Delete(_ context.Context, pk keyrange.Key) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.tx.scope.CheckWrite(s.st.Name); err != nil {
		return err
	}
	s.tx.remove(s.st, pk)
	return nil
}

func (s *source) Close() error { return nil }
