package keyrange

import (
	"bytes"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBound(t *testing.T, lo, hi Key, loOpen, hiOpen bool) *KeyRange {
	t.Helper()
	r, err := Bound(lo, hi, loOpen, hiOpen)
	require.NoError(t, err)
	return r
}

func sampleKeys() []Key {
	day := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	return []Key{
		-1e9, -1.5, 0.0, 1.0, 2.5, 1e12,
		day, day.Add(time.Hour),
		"", "A", "AB", "B", "B\x00", "Ba", "b", "été",
		[]any{}, []any{1.0}, []any{1.0, "x"}, []any{"B"}, []any{"B", 16.0}, []any{"B", 21.0},
		[]any{"B", Max}, []any{"M"}, []any{[]any{1.0}},
		Max,
	}
}

func TestCompareClassOrder(t *testing.T) {
	keys := sampleKeys()
	for i := 1; i < len(keys); i++ {
		assert.Equal(t, -1, Compare(keys[i-1], keys[i]), "%v < %v", keys[i-1], keys[i])
		assert.Equal(t, 1, Compare(keys[i], keys[i-1]))
	}
	assert.Equal(t, 0, Compare([]any{"B", 21.0}, MustNormalize([]any{"B", 21})))
}

func TestNormalize(t *testing.T) {
	k, err := Normalize(int64(7))
	require.NoError(t, err)
	assert.Equal(t, 7.0, k)

	k, err = Normalize([]any{uint8(1), "a"})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, "a"}, k)

	for _, bad := range []Key{nil, true, struct{}{}, []any{1, nil}} {
		_, err := Normalize(bad)
		assert.Equal(t, ErrInvalidKey, errors.Cause(err), "%v", bad)
	}
}

func TestCodecPreservesOrder(t *testing.T) {
	keys := sampleKeys()
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		b, err := EncodeKey(k)
		require.NoError(t, err)
		encoded[i] = b

		back, err := DecodeKey(b)
		require.NoError(t, err)
		assert.Equal(t, 0, Compare(k, back), "decode(encode(%v)) = %v", k, back)
	}
	shuffled := append([][]byte(nil), encoded...)
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) > 0 })
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })
	assert.Equal(t, encoded, shuffled)
}

func TestEncodePrefix(t *testing.T) {
	p, ok := EncodePrefix([]any{"B"})
	require.True(t, ok)
	for _, k := range []Key{[]any{"B"}, []any{"B", 16.0}, []any{"B", "zz", 1.0}} {
		assert.True(t, bytes.HasPrefix(MustEncodeKey(k), p), "%v", k)
	}
	for _, k := range []Key{[]any{"Ba"}, []any{"A", 1.0}, []any{"C"}} {
		assert.False(t, bytes.HasPrefix(MustEncodeKey(k), p), "%v", k)
	}
	_, ok = EncodePrefix("B")
	assert.False(t, ok)

	assert.Equal(t, []byte{0x01, 0x03}, PrefixSuccessor([]byte{0x01, 0x02, 0xFF}))
	assert.Nil(t, PrefixSuccessor([]byte{0xFF, 0xFF}))
}

func TestBoundValidation(t *testing.T) {
	_, err := Bound(5, 1, false, false)
	assert.Equal(t, ErrInvalidRange, errors.Cause(err))

	_, err = Bound(1, 1, true, false)
	assert.Equal(t, ErrInvalidRange, errors.Cause(err))

	r := mustBound(t, 1, 1, false, false)
	assert.True(t, r.IsOnly())
}

func TestRangeCompare(t *testing.T) {
	r := mustBound(t, 10, 20, true, false)
	tests := []struct {
		key  Key
		want Position
	}{
		{5.0, Below},
		{10.0, Below},
		{10.5, Inside},
		{20.0, Inside},
		{20.1, Above},
		{"a", Above},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Compare(tt.key), "key %v", tt.key)
	}
	var unbounded *KeyRange
	assert.True(t, unbounded.Contains("anything"))
}

func TestAnd(t *testing.T) {
	ranges := []*KeyRange{
		nil,
		mustBound(t, 1, 5, false, false),
		mustBound(t, 1, 5, true, true),
		mustBound(t, 3, 9, false, true),
		mustBound(t, 5, 9, false, false),
		mustBound(t, 5, 9, true, false),
		mustBound(t, nil, 2, false, false),
		mustBound(t, 7, nil, false, false),
	}
	for _, r := range ranges {
		self, ok := r.And(r)
		require.True(t, ok)
		assert.True(t, self.Equal(r), "idempotence for %v", r)
	}

	overlaps := func(a, b *KeyRange) bool {
		for x := 0.0; x <= 10; x += 0.5 {
			if a.Contains(x) && b.Contains(x) {
				return true
			}
		}
		return false
	}
	for _, a := range ranges {
		for _, b := range ranges {
			got, ok := a.And(b)
			assert.Equal(t, overlaps(a, b), ok, "%v and %v", a, b)
			if ok {
				for x := 0.0; x <= 10; x += 0.5 {
					assert.Equal(t, a.Contains(x) && b.Contains(x), got.Contains(x), "%v in %v", x, got)
				}
			}
		}
	}

	got, ok := mustBound(t, 1, 5, false, false).And(mustBound(t, 1, 5, true, false))
	require.True(t, ok)
	assert.True(t, got.LowerOpen())
	assert.False(t, got.UpperOpen())
}

func TestFieldAnd(t *testing.T) {
	a := Field{Name: "age", Range: mustBound(t, 10, 30, false, false)}
	b := Field{Name: "age", Range: mustBound(t, 20, nil, true, false)}
	f, ok, err := a.And(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.Range.Equal(mustBound(t, 20, 30, true, false)))

	_, _, err = a.And(Field{Name: "name"})
	assert.Equal(t, ErrInvalidRange, errors.Cause(err))
}

func TestStartsWith(t *testing.T) {
	r, err := StartsWith([]any{"B"})
	require.NoError(t, err)
	assert.True(t, r.Contains([]any{"B", 99.0}))
	assert.True(t, r.Contains([]any{"B"}))
	assert.False(t, r.Contains([]any{"C"}))
	assert.False(t, r.Contains([]any{"Ba", 1.0}))
	prefix, ok := r.ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, []any{"B"}, prefix)

	s, err := StartsWith("ab")
	require.NoError(t, err)
	assert.True(t, s.Contains("abc"))
	assert.True(t, s.Contains("ab\U0010FFFD"))
	assert.False(t, s.Contains("ac"))
	prefix, ok = s.ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, "ab", prefix)

	_, ok = mustBound(t, []any{"B"}, []any{"B", "x"}, false, false).ResolvedStartsWith()
	assert.False(t, ok)
	_, ok = mustBound(t, "ab", "ac", false, false).ResolvedStartsWith()
	assert.False(t, ok)

	_, err = StartsWith(3)
	assert.Equal(t, ErrInvalidRange, errors.Cause(err))
}

func TestStartsWithMaxRune(t *testing.T) {
	s, err := StartsWith("B")
	require.NoError(t, err)
	assert.True(t, s.Contains("B"))
	assert.True(t, s.Contains("B\U0010FFFF"))
	assert.True(t, s.Contains("B\U0010FFFFx"))
	assert.False(t, s.Contains("C"))
	assert.False(t, s.Contains("A\U0010FFFF"))
	assert.Equal(t, "C", s.Upper())
	assert.True(t, s.UpperOpen())

	s, err = StartsWith("a\U0010FFFF")
	require.NoError(t, err)
	assert.True(t, s.Contains("a\U0010FFFF\U0010FFFFz"))
	assert.False(t, s.Contains("b"))
	assert.Equal(t, "b", s.Upper())

	s, err = StartsWith("\uD7FF")
	require.NoError(t, err)
	assert.Equal(t, "\uE000", s.Upper())

	s, err = StartsWith("\U0010FFFF")
	require.NoError(t, err)
	assert.True(t, s.Contains("\U0010FFFF\U0010FFFFx"))
	assert.False(t, s.Contains([]any{"a"}))
	prefix, ok := s.ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, "\U0010FFFF", prefix)

	s, err = StartsWith("")
	require.NoError(t, err)
	assert.True(t, s.Contains(""))
	assert.True(t, s.Contains("\U0010FFFFx"))
	assert.False(t, s.Contains(1.0))
	assert.False(t, s.Contains([]any{}))
}

func TestJSON(t *testing.T) {
	day := time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)
	r, err := StartsWith([]any{"B", day})
	require.NoError(t, err)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back KeyRange
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(r))

	data, err = json.Marshal(mustBound(t, nil, 4, false, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lowerOpen":false,"upper":4,"upperOpen":true}`, string(data))
}
