package keyrange

import (
	"fmt"
	"unicode/utf8"

	"github.com/pingcap/errors"
)

// ErrInvalidRange is returned when bounds are inverted or ranges over
// different fields are combined.
var ErrInvalidRange = errors.New("invalid key range")

// afterStrings is the smallest key above every string: the empty tuple.
var afterStrings = []any{}

// KeyRange is an immutable, possibly half-open interval of keys. A nil
// *KeyRange is unbounded on both sides.
type KeyRange struct {
	lower     Key
	upper     Key
	lowerOpen bool
	upperOpen bool
}

// Position locates a key relative to a range.
type Position int

const (
	Below Position = iota - 1
	Inside
	Above
)

func (p Position) String() string {
	switch p {
	case Below:
		return "below"
	case Above:
		return "above"
	}
	return "inside"
}

// Only returns the range containing exactly v.
func Only(v Key) (*KeyRange, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &KeyRange{lower: n, upper: Clone(n)}, nil
}

// Bound returns [lo, hi] with the given open-ness. Either bound may be nil.
func Bound(lo, hi Key, loOpen, hiOpen bool) (*KeyRange, error) {
	r := &KeyRange{}
	if lo != nil {
		n, err := Normalize(lo)
		if err != nil {
			return nil, errors.Annotate(err, "lower bound")
		}
		r.lower, r.lowerOpen = n, loOpen
	}
	if hi != nil {
		n, err := Normalize(hi)
		if err != nil {
			return nil, errors.Annotate(err, "upper bound")
		}
		r.upper, r.upperOpen = n, hiOpen
	}
	if r.lower != nil && r.upper != nil {
		c := Compare(r.lower, r.upper)
		if c > 0 || (c == 0 && (loOpen || hiOpen)) {
			return nil, errors.Annotatef(ErrInvalidRange, "lower %v above upper %v", r.lower, r.upper)
		}
	}
	return r, nil
}

// LowerBound returns the range of keys above lo.
func LowerBound(lo Key, open bool) (*KeyRange, error) {
	return Bound(lo, nil, open, false)
}

// UpperBound returns the range of keys below hi.
func UpperBound(hi Key, open bool) (*KeyRange, error) {
	return Bound(nil, hi, false, open)
}

// StartsWith returns the range of keys having prefix as a prefix. String
// prefixes match longer strings; tuple prefixes match longer tuples.
func StartsWith(prefix Key) (*KeyRange, error) {
	n, err := Normalize(prefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch p := n.(type) {
	case string:
		return &KeyRange{lower: p, upper: stringSuccessor(p), upperOpen: true}, nil
	case []any:
		upper := append(Clone(p).([]any), Max)
		return &KeyRange{lower: p, upper: upper}, nil
	}
	return nil, errors.Annotatef(ErrInvalidRange, "starts-with needs a string or tuple prefix, got %T", prefix)
}

// stringSuccessor returns the smallest key above every string starting with p.
// UTF-8 byte order matches code point order, so bumping the last rune that is
// not utf8.MaxRune and cutting after it is enough. Prefixes made only of
// utf8.MaxRune have no string successor and end at afterStrings.
func stringSuccessor(p string) Key {
	rs := []rune(p)
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == utf8.MaxRune {
			continue
		}
		next := rs[i] + 1
		if next >= 0xD800 && next <= 0xDFFF {
			next = 0xE000
		}
		return string(append(rs[:i], next))
	}
	return afterStrings
}

// Lower returns the lower bound, or nil when unbounded below.
func (r *KeyRange) Lower() Key {
	if r == nil {
		return nil
	}
	return r.lower
}

// Upper returns the upper bound, or nil when unbounded above.
func (r *KeyRange) Upper() Key {
	if r == nil {
		return nil
	}
	return r.upper
}

func (r *KeyRange) LowerOpen() bool { return r != nil && r.lowerOpen }

func (r *KeyRange) UpperOpen() bool { return r != nil && r.upperOpen }

// IsOnly reports whether the range holds a single key.
func (r *KeyRange) IsOnly() bool {
	return r != nil && r.lower != nil && r.upper != nil && !r.lowerOpen && !r.upperOpen &&
		Compare(r.lower, r.upper) == 0
}

// Compare locates key relative to the range.
func (r *KeyRange) Compare(key Key) Position {
	if r == nil {
		return Inside
	}
	if r.lower != nil {
		c := Compare(key, r.lower)
		if c < 0 || (c == 0 && r.lowerOpen) {
			return Below
		}
	}
	if r.upper != nil {
		c := Compare(key, r.upper)
		if c > 0 || (c == 0 && r.upperOpen) {
			return Above
		}
	}
	return Inside
}

// Contains reports whether key lies inside the range.
func (r *KeyRange) Contains(key Key) bool {
	return r.Compare(key) == Inside
}

// And intersects two ranges. It keeps the larger lower bound and the smaller
// upper bound; at equal bounds open-ness is OR'd. The second result is false
// when the ranges do not overlap.
func (r *KeyRange) And(other *KeyRange) (*KeyRange, bool) {
	if r == nil {
		return other, true
	}
	if other == nil {
		return r, true
	}
	out := &KeyRange{}
	switch {
	case r.lower == nil:
		out.lower, out.lowerOpen = other.lower, other.lowerOpen
	case other.lower == nil:
		out.lower, out.lowerOpen = r.lower, r.lowerOpen
	default:
		c := Compare(r.lower, other.lower)
		switch {
		case c > 0:
			out.lower, out.lowerOpen = r.lower, r.lowerOpen
		case c < 0:
			out.lower, out.lowerOpen = other.lower, other.lowerOpen
		default:
			out.lower, out.lowerOpen = r.lower, r.lowerOpen || other.lowerOpen
		}
	}
	switch {
	case r.upper == nil:
		out.upper, out.upperOpen = other.upper, other.upperOpen
	case other.upper == nil:
		out.upper, out.upperOpen = r.upper, r.upperOpen
	default:
		c := Compare(r.upper, other.upper)
		switch {
		case c < 0:
			out.upper, out.upperOpen = r.upper, r.upperOpen
		case c > 0:
			out.upper, out.upperOpen = other.upper, other.upperOpen
		default:
			out.upper, out.upperOpen = r.upper, r.upperOpen || other.upperOpen
		}
	}
	if out.lower != nil && out.upper != nil {
		c := Compare(out.lower, out.upper)
		if c > 0 || (c == 0 && (out.lowerOpen || out.upperOpen)) {
			return nil, false
		}
	}
	out.lower, out.upper = Clone(out.lower), Clone(out.upper)
	return out, true
}

// Equal reports whether two ranges have identical bounds.
func (r *KeyRange) Equal(other *KeyRange) bool {
	if r == nil || other == nil {
		return r == nil && other == nil
	}
	return Compare(r.lower, other.lower) == 0 && Compare(r.upper, other.upper) == 0 &&
		r.lowerOpen == other.lowerOpen && r.upperOpen == other.upperOpen
}

// ResolvedStartsWith detects the starts-with shape and returns its prefix, so
// backends with a native prefix operator can use it instead of generic bounds.
func (r *KeyRange) ResolvedStartsWith() (Key, bool) {
	if r == nil || r.lower == nil || r.upper == nil || r.lowerOpen {
		return nil, false
	}
	switch lo := r.lower.(type) {
	case string:
		if r.upperOpen && Compare(r.upper, stringSuccessor(lo)) == 0 {
			return lo, true
		}
	case []any:
		hi, ok := r.upper.([]any)
		if !ok || r.upperOpen || len(hi) != len(lo)+1 || classOf(hi[len(lo)]) != classMax {
			return nil, false
		}
		for i := range lo {
			if Compare(lo[i], hi[i]) != 0 {
				return nil, false
			}
		}
		return lo, true
	}
	return nil, false
}

func (r *KeyRange) String() string {
	if r == nil {
		return "(-inf, +inf)"
	}
	lb, ub := "[", "]"
	if r.lowerOpen {
		lb = "("
	}
	if r.upperOpen {
		ub = ")"
	}
	var lo, hi any = "-inf", "+inf"
	if r.lower != nil {
		lo = r.lower
	}
	if r.upper != nil {
		hi = r.upper
	}
	return fmt.Sprintf("%s%v, %v%s", lb, lo, hi, ub)
}

// Field is a range restricted to a named field, as produced by where clauses.
type Field struct {
	Name  string
	Range *KeyRange
}

// And intersects two field ranges. Both must name the same field.
func (f Field) And(other Field) (Field, bool, error) {
	if f.Name != other.Name {
		return Field{}, false, errors.Annotatef(ErrInvalidRange, "cannot combine field %q with %q", f.Name, other.Name)
	}
	r, ok := f.Range.And(other.Range)
	return Field{Name: f.Name, Range: r}, ok, nil
}
