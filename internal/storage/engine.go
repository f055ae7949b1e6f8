// Package storage defines the transaction provider every backend implements.
package storage

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/pingcap/errors"
)

var (
	// ErrNotFound is returned for stores or indexes the backend does not serve,
	// or outside the transaction's scope.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned for writes inside a readonly transaction.
	ErrReadOnly = errors.New("transaction is readonly")
	// ErrConstraint is returned when a write would break a unique index or
	// change a record's primary key in place.
	ErrConstraint = errors.New("constraint violation")
	// ErrTxDone is returned for any use of a committed or aborted transaction.
	ErrTxDone = errors.New("transaction already finished")
)

// Mode is a transaction's access mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Engine opens native transactions. Implementations exist for a
// copy-on-write B-tree, SQLite tables and plain maps.
type Engine interface {
	// Begin opens a transaction over stores.
	Begin(ctx context.Context, stores []string, mode Mode) (Tx, error)
	Schema() *schema.Schema
	// Name identifies the backend kind in logs and metrics.
	Name() string
	Close() error
}

// Tx is one native transaction. A Tx is safe for concurrent use by the
// cursors of one scan.
type Tx interface {
	// OpenCursor returns an unopened cursor for it.
	OpenCursor(ctx context.Context, it *iterator.Iterator) (cursor.Adapter, error)

	// Put inserts or replaces a record and returns its primary key.
	Put(ctx context.Context, store string, rec schema.Record) (keyrange.Key, error)
	Get(ctx context.Context, store string, pk keyrange.Key) (schema.Record, bool, error)
	Delete(ctx context.Context, store string, pk keyrange.Key) error
	// Count returns the number of records of store whose primary key lies in kr.
	Count(ctx context.Context, store string, kr *keyrange.KeyRange) (int, error)

	Commit() error
	Abort() error

	Stores() []string
	Mode() Mode
}

// Scope records what a transaction may touch. Shared by the backends.
type Scope struct {
	Stores []string
	Mode   Mode
	Done   bool
}

// NewScope sorts and de-duplicates stores.
func NewScope(stores []string, mode Mode) Scope {
	set := make(map[string]struct{}, len(stores))
	out := make([]string, 0, len(stores))
	for _, s := range stores {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return Scope{Stores: out, Mode: mode}
}

// Has reports whether store is inside the scope.
func (s Scope) Has(store string) bool {
	i := sort.SearchStrings(s.Stores, store)
	return i < len(s.Stores) && s.Stores[i] == store
}

// CheckRead validates a read of store.
func (s Scope) CheckRead(store string) error {
	if s.Done {
		return errors.Trace(ErrTxDone)
	}
	if !s.Has(store) {
		return errors.Annotatef(ErrNotFound, "store %q outside transaction scope %v", store, s.Stores)
	}
	return nil
}

// CheckWrite validates a write to store.
func (s Scope) CheckWrite(store string) error {
	if err := s.CheckRead(store); err != nil {
		return err
	}
	if s.Mode != ReadWrite {
		return errors.Annotatef(ErrReadOnly, "write to %q", store)
	}
	return nil
}

// CheckStores validates that every store exists in sch.
func CheckStores(sch *schema.Schema, stores []string) error {
	if len(stores) == 0 {
		return errors.Annotate(ErrNotFound, "transaction needs at least one store")
	}
	for _, name := range stores {
		if _, err := sch.Store(name); err != nil {
			return errors.Annotate(ErrNotFound, err.Error())
		}
	}
	return nil
}

// Resolve looks up the store and optional index an iterator reads.
func Resolve(sch *schema.Schema, it *iterator.Iterator) (*schema.Store, *schema.Index, error) {
	st, err := sch.Store(it.Store())
	if err != nil {
		return nil, nil, errors.Annotate(ErrNotFound, err.Error())
	}
	if !it.IsIndexIterator() {
		return st, nil, nil
	}
	ix, err := st.Index(it.Index())
	if err != nil {
		return nil, nil, errors.Annotate(ErrNotFound, err.Error())
	}
	return st, ix, nil
}

// IndexKeys returns the key rec contributes to each index of st. Indexes the
// record does not carry every field for are absent.
func IndexKeys(st *schema.Store, rec schema.Record) map[string]keyrange.Key {
	out := make(map[string]keyrange.Key, len(st.Indexes))
	for i := range st.Indexes {
		if k, ok := st.Indexes[i].Key(rec); ok {
			out[st.Indexes[i].Name] = k
		}
	}
	return out
}

// AsRecord converts a cursor update value into a record of st whose primary
// key must be pk.
func AsRecord(st *schema.Store, pk keyrange.Key, v any) (schema.Record, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Annotatef(ErrConstraint, "store %q holds records, got %T", st.Name, v)
	}
	got, err := st.PrimaryKey(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !keyrange.Equal(got, pk) {
		return nil, errors.Annotatef(ErrConstraint, "update changes primary key %v to %v", pk, got)
	}
	return rec, nil
}

// EncodeRecord is the stored form of a record.
func EncodeRecord(rec schema.Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	return b, errors.Trace(err)
}

// DecodeRecord reverses EncodeRecord. Numbers come back as float64, the same
// form keys are normalized to.
func DecodeRecord(b []byte) (schema.Record, error) {
	var rec schema.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Trace(err)
	}
	return rec, nil
}
