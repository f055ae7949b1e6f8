// Package schema describes stores, their primary key path and their indexes.
package schema

import (
	"strings"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

var (
	// ErrUnknownStore is returned for store names missing from the schema.
	ErrUnknownStore = errors.New("unknown store")
	// ErrUnknownIndex is returned for index names missing from a store.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrNoKey is returned when a record does not carry its primary key.
	ErrNoKey = errors.New("record has no primary key")
)

// Record is a stored value. Fields named by key paths must hold valid keys.
type Record = map[string]any

// Index derives a key from each record. A single-field key path yields a
// scalar key, several fields yield a compound (tuple) key.
type Index struct {
	Name    string   `toml:"name"`
	KeyPath []string `toml:"key-path"`
	Unique  bool     `toml:"unique"`
}

// Store is a named collection of records keyed by KeyPath.
type Store struct {
	Name    string  `toml:"name"`
	KeyPath string  `toml:"key-path"`
	Indexes []Index `toml:"indexes"`
}

// Schema is the set of stores a backend serves.
type Schema struct {
	Stores []Store `toml:"stores"`
}

// New builds a schema from store descriptions.
func New(stores ...Store) *Schema {
	return &Schema{Stores: stores}
}

// Validate checks names are present and unique.
func (s *Schema) Validate() error {
	seen := make(map[string]struct{})
	for _, st := range s.Stores {
		if st.Name == "" || st.KeyPath == "" {
			return errors.Errorf("store %q needs a name and a key path", st.Name)
		}
		if _, ok := seen[st.Name]; ok {
			return errors.Errorf("duplicate store %q", st.Name)
		}
		seen[st.Name] = struct{}{}
		idx := make(map[string]struct{})
		for _, ix := range st.Indexes {
			if ix.Name == "" || len(ix.KeyPath) == 0 {
				return errors.Errorf("index %q of store %q needs a name and a key path", ix.Name, st.Name)
			}
			if _, ok := idx[ix.Name]; ok {
				return errors.Errorf("duplicate index %q in store %q", ix.Name, st.Name)
			}
			idx[ix.Name] = struct{}{}
		}
	}
	return nil
}

// Store looks a store up by name.
func (s *Schema) Store(name string) (*Store, error) {
	for i := range s.Stores {
		if s.Stores[i].Name == name {
			return &s.Stores[i], nil
		}
	}
	return nil, errors.Annotatef(ErrUnknownStore, "%q", name)
}

// Index looks an index up by name.
func (st *Store) Index(name string) (*Index, error) {
	for i := range st.Indexes {
		if st.Indexes[i].Name == name {
			return &st.Indexes[i], nil
		}
	}
	return nil, errors.Annotatef(ErrUnknownIndex, "%q in store %q", name, st.Name)
}

// IndexOn returns the first index whose leading key path field is field.
func (st *Store) IndexOn(field string) (*Index, bool) {
	for i := range st.Indexes {
		if st.Indexes[i].KeyPath[0] == field {
			return &st.Indexes[i], true
		}
	}
	return nil, false
}

// PrimaryKey extracts the record's primary key.
func (st *Store) PrimaryKey(r Record) (keyrange.Key, error) {
	v, ok := Lookup(r, st.KeyPath)
	if !ok {
		return nil, errors.Annotatef(ErrNoKey, "store %q, key path %q", st.Name, st.KeyPath)
	}
	k, err := keyrange.Normalize(v)
	return k, errors.Annotatef(err, "store %q primary key", st.Name)
}

// Key extracts the index key. The second result is false when the record does
// not carry every field, in which case it is not indexed.
func (ix *Index) Key(r Record) (keyrange.Key, bool) {
	if len(ix.KeyPath) == 1 {
		v, ok := Lookup(r, ix.KeyPath[0])
		if !ok {
			return nil, false
		}
		k, err := keyrange.Normalize(v)
		return k, err == nil
	}
	t := make([]any, len(ix.KeyPath))
	for i, p := range ix.KeyPath {
		v, ok := Lookup(r, p)
		if !ok {
			return nil, false
		}
		t[i] = v
	}
	k, err := keyrange.Normalize(t)
	return k, err == nil
}

// Lookup follows a dotted path into r. Absent and null fields are missing.
func Lookup(r Record, path string) (any, bool) {
	var cur any = r
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}
