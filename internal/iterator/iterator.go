// Package iterator describes a single scan over a store or an index.
package iterator

import (
	"fmt"
	"sort"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
)

// ErrArgument reports a malformed iterator description.
var ErrArgument = errors.New("invalid iterator argument")

// Direction is the order in which a cursor visits records.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Iterator is an immutable scan description. An empty index name scans the
// store by primary key.
type Iterator struct {
	store     string
	index     string
	kr        *keyrange.KeyRange
	direction Direction
	unique    bool
	keyOnly   bool
}

// NewKeys scans primary keys of store within kr.
func NewKeys(store string, kr *keyrange.KeyRange) (*Iterator, error) {
	return newIterator(store, "", kr, true, false)
}

// NewValues scans records of store within kr.
func NewValues(store string, kr *keyrange.KeyRange) (*Iterator, error) {
	return newIterator(store, "", kr, false, false)
}

// NewIndexKeys scans index entries of store.index within kr, advertising the
// primary key of each entry as its value.
func NewIndexKeys(store, index string, kr *keyrange.KeyRange) (*Iterator, error) {
	return newIterator(store, index, kr, true, true)
}

// NewIndexValues scans index entries of store.index within kr, advertising the
// referenced record as the value.
func NewIndexValues(store, index string, kr *keyrange.KeyRange) (*Iterator, error) {
	return newIterator(store, index, kr, false, true)
}

// MustIndexKeys is NewIndexKeys for descriptions known to be valid.
func MustIndexKeys(store, index string, kr *keyrange.KeyRange) *Iterator {
	it, err := NewIndexKeys(store, index, kr)
	if err != nil {
		panic(err)
	}
	return it
}

func newIterator(store, index string, kr *keyrange.KeyRange, keyOnly, needIndex bool) (*Iterator, error) {
	if store == "" {
		return nil, errors.Annotate(ErrArgument, "store name required")
	}
	if needIndex && index == "" {
		if kr != nil {
			return nil, errors.Annotatef(ErrArgument, "key range %v given without an index name", kr)
		}
		return nil, errors.Annotate(ErrArgument, "index name required")
	}
	return &Iterator{store: store, index: index, kr: kr, keyOnly: keyOnly}, nil
}

func (it *Iterator) Store() string             { return it.store }
func (it *Iterator) Index() string             { return it.index }
func (it *Iterator) Range() *keyrange.KeyRange { return it.kr }
func (it *Iterator) Direction() Direction      { return it.direction }
func (it *Iterator) IsReverse() bool           { return it.direction == Reverse }
func (it *Iterator) IsUnique() bool            { return it.unique }
func (it *Iterator) IsKeyOnly() bool           { return it.keyOnly }
func (it *Iterator) IsIndexIterator() bool     { return it.index != "" }

// Reverse returns a copy iterating in the opposite direction.
func (it *Iterator) Reverse() *Iterator {
	c := *it
	if c.direction == Forward {
		c.direction = Reverse
	} else {
		c.direction = Forward
	}
	return &c
}

// Unique returns a copy that visits each distinct effective key once.
func (it *Iterator) Unique() *Iterator {
	c := *it
	c.unique = true
	return &c
}

// WithRange returns a copy scanning kr instead.
func (it *Iterator) WithRange(kr *keyrange.KeyRange) *Iterator {
	c := *it
	c.kr = kr
	return &c
}

func (it *Iterator) String() string {
	target := it.store
	if it.index != "" {
		target += ":" + it.index
	}
	kind := "values"
	if it.keyOnly {
		kind = "keys"
	}
	s := fmt.Sprintf("%s %s %v %s", kind, target, it.kr, it.direction)
	if it.unique {
		s += " unique"
	}
	return s
}

// Stores returns the sorted, de-duplicated set of stores the iterators read.
func Stores(its ...*Iterator) []string {
	seen := make(map[string]struct{}, len(its))
	out := make([]string, 0, len(its))
	for _, it := range its {
		if _, ok := seen[it.store]; ok {
			continue
		}
		seen[it.store] = struct{}{}
		out = append(out, it.store)
	}
	sort.Strings(out)
	return out
}
