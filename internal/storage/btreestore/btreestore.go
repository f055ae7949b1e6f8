// Package btreestore is the transactional B-tree backend. Each store keeps a
// primary tree and one tree per index; transactions work on lazy clones and a
// readwrite commit swaps its clones in.
package btreestore

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const degree = 32

// item is one tree entry. Primary trees order by the encoded primary key;
// index trees by the encoded index key followed by the encoded primary key.
// Primary items remember the index keys they were filed under.
type item struct {
	enc   []byte
	key   keyrange.Key
	pk    keyrange.Key
	value []byte
	refs  map[string]keyrange.Key
}

func less(a, b *item) bool {
	return bytes.Compare(a.enc, b.enc) < 0
}

type tree = btree.BTreeG[*item]

func newTree() *tree {
	return btree.NewG[*item](degree, less)
}

// trees holds the primary tree of a store and its index trees.
type trees struct {
	primary *tree
	indexes map[string]*tree
}

func (t *trees) clone() *trees {
	c := &trees{primary: t.primary.Clone(), indexes: make(map[string]*tree, len(t.indexes))}
	for name, ix := range t.indexes {
		c.indexes[name] = ix.Clone()
	}
	return c
}

// Store implements storage.Engine.
type Store struct {
	// mu guards data. Clone mutates the source tree's bookkeeping, so it
	// needs the write lock too.
	mu     sync.Mutex
	writer sync.Mutex
	schema *schema.Schema
	data   map[string]*trees
	closed bool
}

// Open builds an empty store set for sch.
func Open(sch *schema.Schema) (*Store, error) {
	if err := sch.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Store{schema: sch, data: make(map[string]*trees, len(sch.Stores))}
	for _, st := range sch.Stores {
		t := &trees{primary: newTree(), indexes: make(map[string]*tree, len(st.Indexes))}
		for _, ix := range st.Indexes {
			t.indexes[ix.Name] = newTree()
		}
		s.data[st.Name] = t
	}
	return s, nil
}

func (s *Store) Name() string { return "btree" }

func (s *Store) Schema() *schema.Schema { return s.schema }

// Begin snapshots the trees of stores. Readwrite transactions are serialized.
func (s *Store) Begin(ctx context.Context, stores []string, mode storage.Mode) (storage.Tx, error) {
	if err := storage.CheckStores(s.schema, stores); err != nil {
		return nil, err
	}
	if mode == storage.ReadWrite {
		s.writer.Lock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if mode == storage.ReadWrite {
			s.writer.Unlock()
		}
		return nil, errors.Annotate(storage.ErrTxDone, "store closed")
	}
	tx := &txn{store: s, scope: storage.NewScope(stores, mode), data: make(map[string]*trees, len(stores))}
	for _, name := range tx.scope.Stores {
		tx.data[name] = s.data[name].clone()
	}
	log.Debug("btree transaction begin", zap.Strings("stores", tx.scope.Stores), zap.Stringer("mode", mode))
	return tx, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type txn struct {
	store *Store
	mu    sync.RWMutex
	scope storage.Scope
	data  map[string]*trees
}

func (t *txn) Stores() []string   { return t.scope.Stores }
func (t *txn) Mode() storage.Mode { return t.scope.Mode }

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scope.Done {
		return errors.Trace(storage.ErrTxDone)
	}
	t.scope.Done = true
	if t.scope.Mode != storage.ReadWrite {
		return nil
	}
	t.store.mu.Lock()
	for name, tr := range t.data {
		t.store.data[name] = tr
	}
	t.store.mu.Unlock()
	t.store.writer.Unlock()
	return nil
}

func (t *txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scope.Done {
		return nil
	}
	t.scope.Done = true
	t.data = nil
	if t.scope.Mode == storage.ReadWrite {
		t.store.writer.Unlock()
	}
	return nil
}

func primaryItem(pk keyrange.Key) *item {
	return &item{enc: storage.EntryKey(false, pk, pk), key: pk, pk: pk}
}

func indexItem(k, pk keyrange.Key) *item {
	return &item{enc: storage.EntryKey(true, k, pk), key: k, pk: pk}
}

func (t *txn) Get(_ context.Context, store string, pk keyrange.Key) (schema.Record, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.scope.CheckRead(store); err != nil {
		return nil, false, err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	it, ok := t.data[store].primary.Get(primaryItem(pk))
	if !ok {
		return nil, false, nil
	}
	rec, err := storage.DecodeRecord(it.value)
	return rec, err == nil, err
}

func (t *txn) Put(_ context.Context, store string, rec schema.Record) (keyrange.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
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

// put writes rec under pk, replacing its index entries. Callers hold t.mu.
func (t *txn) put(st *schema.Store, pk keyrange.Key, rec schema.Record) error {
	tr := t.data[st.Name]
	keys := storage.IndexKeys(st, rec)
	for _, ix := range st.Indexes {
		k, ok := keys[ix.Name]
		if !ok || !ix.Unique {
			continue
		}
		var clash keyrange.Key
		prefix := keyrange.MustEncodeKey(k)
		tr.indexes[ix.Name].AscendGreaterOrEqual(&item{enc: prefix}, func(i *item) bool {
			if !bytes.HasPrefix(i.enc, prefix) {
				return false
			}
			if !keyrange.Equal(i.pk, pk) {
				clash = i.pk
				return false
			}
			return true
		})
		if clash != nil {
			return errors.Annotatef(storage.ErrConstraint, "unique index %q of %q: key %v already held by %v", ix.Name, st.Name, k, clash)
		}
	}
	value, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	t.unindex(st, pk)
	for name, k := range keys {
		tr.indexes[name].ReplaceOrInsert(indexItem(k, pk))
	}
	p := primaryItem(pk)
	p.value, p.refs = value, keys
	tr.primary.ReplaceOrInsert(p)
	return nil
}

// remove deletes the record under pk and its index entries. Callers hold t.mu.
func (t *txn) remove(st *schema.Store, pk keyrange.Key) {
	t.unindex(st, pk)
	t.data[st.Name].primary.Delete(primaryItem(pk))
}

// unindex removes the index entries of the record stored under pk.
func (t *txn) unindex(st *schema.Store, pk keyrange.Key) {
	tr := t.data[st.Name]
	old, ok := tr.primary.Get(primaryItem(pk))
	if !ok {
		return
	}
	for name, k := range old.refs {
		tr.indexes[name].Delete(indexItem(k, pk))
	}
}

func (t *txn) Delete(_ context.Context, store string, pk keyrange.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckWrite(store); err != nil {
		return err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return errors.Trace(err)
	}
	st, _ := t.store.schema.Store(store)
	t.remove(st, pk)
	return nil
}

func (t *txn) Count(_ context.Context, store string, kr *keyrange.KeyRange) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.scope.CheckRead(store); err != nil {
		return 0, err
	}
	src := &source{tx: t, kr: kr, keyOnly: true, tree: t.data[store].primary, primary: t.data[store].primary}
	n := 0
	var from cursor.Position
	for {
		e, ok, err := src.seekLocked(iterator.Forward, from, n == 0)
		if err != nil || !ok {
			return n, err
		}
		n++
		from = cursor.Position{Key: e.Key}
	}
}

func (t *txn) OpenCursor(_ context.Context, it *iterator.Iterator) (cursor.Adapter, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.scope.CheckRead(it.Store()); err != nil {
		return nil, err
	}
	st, ix, err := storage.Resolve(t.store.schema, it)
	if err != nil {
		return nil, err
	}
	src := &source{tx: t, st: st, kr: it.Range(), keyOnly: it.IsKeyOnly(), primary: t.data[st.Name].primary}
	if ix != nil {
		src.index = true
		src.tree = t.data[st.Name].indexes[ix.Name]
	} else {
		src.tree = t.data[st.Name].primary
	}
	return cursor.NewAdapter(src, it), nil
}
