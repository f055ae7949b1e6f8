// Package memstore is the in-memory map backend. Writes go straight to the
// maps and are undone from a log when the transaction aborts.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
)

type entry struct {
	enc   []byte
	key   keyrange.Key
	pk    keyrange.Key
	value []byte
	refs  map[string]keyrange.Key
}

// sortedMap is a map with an ordered view rebuilt after writes.
type sortedMap struct {
	m      map[string]*entry
	sorted []*entry
	dirty  bool
}

func newSortedMap() *sortedMap {
	return &sortedMap{m: make(map[string]*entry)}
}

func (s *sortedMap) get(enc []byte) (*entry, bool) {
	e, ok := s.m[string(enc)]
	return e, ok
}

func (s *sortedMap) put(e *entry) {
	s.m[string(e.enc)] = e
	s.dirty = true
}

func (s *sortedMap) remove(enc []byte) {
	if _, ok := s.m[string(enc)]; ok {
		delete(s.m, string(enc))
		s.dirty = true
	}
}

func (s *sortedMap) view() []*entry {
	if !s.dirty && s.sorted != nil {
		return s.sorted
	}
	out := make([]*entry, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].enc, out[j].enc) < 0 })
	s.sorted, s.dirty = out, false
	return out
}

type table struct {
	records *sortedMap
	indexes map[string]*sortedMap
}

// undo restores one record of one store.
type undo struct {
	store string
	pk    keyrange.Key
	prev  *entry
}

// Store implements storage.Engine. Transactions hold a readers/writer lock
// until they finish.
type Store struct {
	rw     sync.RWMutex
	mu     sync.Mutex
	schema *schema.Schema
	tables map[string]*table
}

func Open(sch *schema.Schema) (*Store, error) {
	if err := sch.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Store{schema: sch, tables: make(map[string]*table, len(sch.Stores))}
	for _, st := range sch.Stores {
		t := &table{records: newSortedMap(), indexes: make(map[string]*sortedMap, len(st.Indexes))}
		for _, ix := range st.Indexes {
			t.indexes[ix.Name] = newSortedMap()
		}
		s.tables[st.Name] = t
	}
	return s, nil
}

func (s *Store) Name() string           { return "memory" }
func (s *Store) Schema() *schema.Schema { return s.schema }
func (s *Store) Close() error           { return nil }

func (s *Store) Begin(_ context.Context, stores []string, mode storage.Mode) (storage.Tx, error) {
	if err := storage.CheckStores(s.schema, stores); err != nil {
		return nil, err
	}
	if mode == storage.ReadWrite {
		s.rw.Lock()
	} else {
		s.rw.RLock()
	}
	return &txn{store: s, scope: storage.NewScope(stores, mode)}, nil
}

type txn struct {
	store *Store
	scope storage.Scope
	log   []undo
}

func (t *txn) Stores() []string   { return t.scope.Stores }
func (t *txn) Mode() storage.Mode { return t.scope.Mode }

func (t *txn) finish() {
	t.scope.Done = true
	if t.scope.Mode == storage.ReadWrite {
		t.store.rw.Unlock()
	} else {
		t.store.rw.RUnlock()
	}
}

func (t *txn) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.scope.Done {
		return errors.Trace(storage.ErrTxDone)
	}
	t.log = nil
	t.finish()
	return nil
}

func (t *txn) Abort() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.scope.Done {
		return nil
	}
	for i := len(t.log) - 1; i >= 0; i-- {
		u := t.log[i]
		st, _ := t.store.schema.Store(u.store)
		t.unindex(st, u.pk)
		if u.prev == nil {
			t.store.tables[u.store].records.remove(storage.EntryKey(false, u.pk, u.pk))
			continue
		}
		t.file(st, u.prev)
	}
	t.log = nil
	t.finish()
	return nil
}

// file stores a record entry and its index entries. Callers hold store.mu.
func (t *txn) file(st *schema.Store, e *entry) {
	tb := t.store.tables[st.Name]
	for name, k := range e.refs {
		tb.indexes[name].put(&entry{enc: storage.EntryKey(true, k, e.pk), key: k, pk: e.pk})
	}
	tb.records.put(e)
}

func (t *txn) unindex(st *schema.Store, pk keyrange.Key) {
	tb := t.store.tables[st.Name]
	old, ok := tb.records.get(storage.EntryKey(false, pk, pk))
	if !ok {
		return
	}
	for name, k := range old.refs {
		tb.indexes[name].remove(storage.EntryKey(true, k, pk))
	}
}

func (t *txn) remember(store string, pk keyrange.Key) {
	prev, _ := t.store.tables[store].records.get(storage.EntryKey(false, pk, pk))
	t.log = append(t.log, undo{store: store, pk: pk, prev: prev})
}

func (t *txn) put(st *schema.Store, pk keyrange.Key, rec schema.Record) error {
	tb := t.store.tables[st.Name]
	keys := storage.IndexKeys(st, rec)
	for _, ix := range st.Indexes {
		k, ok := keys[ix.Name]
		if !ok || !ix.Unique {
			continue
		}
		for _, e := range tb.indexes[ix.Name].m {
			if keyrange.Equal(e.key, k) && !keyrange.Equal(e.pk, pk) {
				return errors.Annotatef(storage.ErrConstraint, "unique index %q of %q: key %v already held by %v", ix.Name, st.Name, k, e.pk)
			}
		}
	}
	value, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	t.remember(st.Name, pk)
	t.unindex(st, pk)
	t.file(st, &entry{enc: storage.EntryKey(false, pk, pk), key: pk, pk: pk, value: value, refs: keys})
	return nil
}

func (t *txn) del(st *schema.Store, pk keyrange.Key) {
	t.remember(st.Name, pk)
	t.unindex(st, pk)
	t.store.tables[st.Name].records.remove(storage.EntryKey(false, pk, pk))
}

func (t *txn) Put(_ context.Context, store string, rec schema.Record) (keyrange.Key, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.scope.CheckWrite(store); err != nil {
		return nil, err
	}
	st, _ := t.store.schema.Store(store)
	pk, err := st.PrimaryKey(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pk, t.put(st, pk, rec)
}

func (t *txn) Get(_ context.Context, store string, pk keyrange.Key) (schema.Record, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.scope.CheckRead(store); err != nil {
		return nil, false, err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	e, ok := t.store.tables[store].records.get(storage.EntryKey(false, pk, pk))
	if !ok {
		return nil, false, nil
	}
	rec, err := storage.DecodeRecord(e.value)
	return rec, err == nil, err
}

func (t *txn) Delete(_ context.Context, store string, pk keyrange.Key) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.scope.CheckWrite(store); err != nil {
		return err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return errors.Trace(err)
	}
	st, _ := t.store.schema.Store(store)
	t.del(st, pk)
	return nil
}

func (t *txn) Count(_ context.Context, store string, kr *keyrange.KeyRange) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.scope.CheckRead(store); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range t.store.tables[store].records.view() {
		if kr.Contains(e.pk) {
			n++
		}
	}
	return n, nil
}

func (t *txn) OpenCursor(_ context.Context, it *iterator.Iterator) (cursor.Adapter, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.scope.CheckRead(it.Store()); err != nil {
		return nil, err
	}
	st, ix, err := storage.Resolve(t.store.schema, it)
	if err != nil {
		return nil, err
	}
	src := &source{tx: t, st: st, kr: it.Range(), keyOnly: it.IsKeyOnly()}
	if ix != nil {
		src.index = ix.Name
	}
	return cursor.NewAdapter(src, it), nil
}

type source struct {
	tx      *txn
	st      *schema.Store
	index   string
	kr      *keyrange.KeyRange
	keyOnly bool
}

func (s *source) Seek(_ context.Context, dir iterator.Direction, from cursor.Position, inclusive bool) (cursor.Entry, bool, error) {
	s.tx.store.mu.Lock()
	defer s.tx.store.mu.Unlock()
	if s.tx.scope.Done {
		return cursor.Entry{}, false, errors.Trace(storage.ErrTxDone)
	}
	tb := s.tx.store.tables[s.st.Name]
	m := tb.records
	if s.index != "" {
		m = tb.indexes[s.index]
	}
	view := m.view()
	pivot := storage.Pivot(s.index != "", s.kr, dir, from)
	var found *entry
	if dir == iterator.Forward {
		i := 0
		if pivot != nil {
			i = sort.Search(len(view), func(i int) bool { return bytes.Compare(view[i].enc, pivot) >= 0 })
		}
		for ; i < len(view); i++ {
			take, stop := storage.Match(s.kr, dir, from, inclusive, view[i].key, view[i].pk)
			if take {
				found = view[i]
			}
			if take || stop {
				break
			}
		}
	} else {
		i := len(view) - 1
		if pivot != nil {
			i = sort.Search(len(view), func(i int) bool { return bytes.Compare(view[i].enc, pivot) > 0 }) - 1
		}
		for ; i >= 0; i-- {
			take, stop := storage.Match(s.kr, dir, from, inclusive, view[i].key, view[i].pk)
			if take {
				found = view[i]
			}
			if take || stop {
				break
			}
		}
	}
	if found == nil {
		return cursor.Entry{}, false, nil
	}
	e := cursor.Entry{Key: found.key, PrimaryKey: found.pk}
	if s.keyOnly {
		return e, true, nil
	}
	rec, ok := tb.records.get(storage.EntryKey(false, found.pk, found.pk))
	if !ok {
		return cursor.Entry{}, false, errors.Errorf("index entry %v of %q points at missing record %v", found.key, s.st.Name, found.pk)
	}
	v, err := storage.DecodeRecord(rec.value)
	if err != nil {
		return cursor.Entry{}, false, err
	}
	e.Value = v
	return e, true, nil
}

func (s *source) Update(_ context.Context, pk keyrange.Key, value any) error {
	s.tx.store.mu.Lock()
	defer s.tx.store.mu.Unlock()
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
	s.tx.store.mu.Lock()
	defer s.tx.store.mu.Unlock()
	if err := s.tx.scope.CheckWrite(s.st.Name); err != nil {
		return err
	}
	s.tx.del(s.st, pk)
	return nil
}

func (s *source) Close() error { return nil }
