package keyrange

import (
	"math"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// Key is a value usable as an effective or primary key.
//
// Valid keys are numbers (any Go numeric kind, normalized to float64), strings,
// time.Time, tuples ([]any of valid keys) and the Max sentinel. A nil Key means
// the key is absent.
type Key = any

// ErrInvalidKey is returned for values that cannot be used as keys.
var ErrInvalidKey = errors.New("invalid key")

type maxKey struct{}

func (maxKey) String() string { return "<max>" }

// Max sorts after every other key. It terminates starts-with ranges over tuples.
var Max Key = maxKey{}

type keyClass int

const (
	classNumber keyClass = iota + 1
	classDate
	classString
	classTuple
	classMax
)

func classOf(k Key) keyClass {
	switch k.(type) {
	case float64:
		return classNumber
	case time.Time:
		return classDate
	case string:
		return classString
	case []any:
		return classTuple
	case maxKey:
		return classMax
	}
	return 0
}

// Normalize converts k into its canonical form: numbers become float64 and
// tuples are normalized element by element into a fresh slice.
func Normalize(k Key) (Key, error) {
	switch v := k.(type) {
	case nil:
		return nil, errors.Annotate(ErrInvalidKey, "nil key")
	case float64:
		if math.IsNaN(v) {
			return nil, errors.Annotate(ErrInvalidKey, "NaN")
		}
		return v, nil
	case float32:
		return Normalize(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return v, nil
	case time.Time:
		return time.UnixMilli(v.UnixMilli()).UTC(), nil
	case maxKey:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			n, err := Normalize(e)
			if err != nil {
				return nil, errors.Annotatef(err, "tuple element %d", i)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out, nil
	}
	return nil, errors.Annotatef(ErrInvalidKey, "unsupported key type %T", k)
}

// MustNormalize is Normalize for keys known to be valid, such as literals in tests.
func MustNormalize(k Key) Key {
	n, err := Normalize(k)
	if err != nil {
		panic(err)
	}
	return n
}

// Compare orders two normalized keys: number < date < string < tuple < Max.
// A nil key sorts before everything.
func Compare(a, b Key) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		xm, ym := x.UnixMilli(), b.(time.Time).UnixMilli()
		switch {
		case xm < ym:
			return -1
		case xm > ym:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(x) < len(y):
			return -1
		case len(x) > len(y):
			return 1
		}
		return 0
	}
	return 0
}

// Equal reports whether two normalized keys compare equal.
func Equal(a, b Key) bool {
	return Compare(a, b) == 0
}

// Clone deep-copies a key so the copy shares no tuple storage with k.
func Clone(k Key) Key {
	t, ok := k.([]any)
	if !ok {
		return k
	}
	out := make([]any, len(t))
	for i, e := range t {
		out[i] = Clone(e)
	}
	return out
}

// Last returns the last element of a tuple key, or the key itself when it is
// not a tuple. Compound indexes keep their ordering component last.
func Last(k Key) Key {
	if t, ok := k.([]any); ok && len(t) > 0 {
		return t[len(t)-1]
	}
	return k
}

// Prefix returns a tuple key without its last element.
func Prefix(k Key) []any {
	t, ok := k.([]any)
	if !ok || len(t) == 0 {
		return nil
	}
	return append([]any(nil), t[:len(t)-1]...)
}
