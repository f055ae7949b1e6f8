package cursor

import (
	"context"
	"sort"
	"testing"

	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves entries from a sorted slice.
type sliceSource struct {
	entries []Entry
	kr      *keyrange.KeyRange
	closed  int
	updates map[any]any
	deleted []Key
}

func newSliceSource(kr *keyrange.KeyRange, entries ...Entry) *sliceSource {
	for i := range entries {
		entries[i].Key = keyrange.MustNormalize(entries[i].Key)
		entries[i].PrimaryKey = keyrange.MustNormalize(entries[i].PrimaryKey)
	}
	sort.Slice(entries, func(a, b int) bool {
		return ComparePosition(entries[a].Key, entries[a].PrimaryKey, entries[b].Key, entries[b].PrimaryKey) < 0
	})
	return &sliceSource{entries: entries, kr: kr, updates: make(map[any]any)}
}

func (s *sliceSource) Seek(_ context.Context, dir iterator.Direction, from Position, inclusive bool) (Entry, bool, error) {
	n := len(s.entries)
	for i := 0; i < n; i++ {
		e := s.entries[i]
		if dir == iterator.Reverse {
			e = s.entries[n-1-i]
		}
		if !s.kr.Contains(e.Key) || !Qualifies(dir, e, from, inclusive) {
			continue
		}
		return e, true, nil
	}
	return Entry{}, false, nil
}

func (s *sliceSource) Update(_ context.Context, pk Key, v any) error {
	s.updates[pk] = v
	return nil
}

func (s *sliceSource) Delete(_ context.Context, pk Key) error {
	s.deleted = append(s.deleted, pk)
	return nil
}

func (s *sliceSource) Close() error {
	s.closed++
	return nil
}

func only(v Key) *keyrange.KeyRange {
	kr, err := keyrange.Only(v)
	if err != nil {
		panic(err)
	}
	return kr
}

func lastNames() []Entry {
	return []Entry{
		{Key: "M", PrimaryKey: 0},
		{Key: "M", PrimaryKey: 1},
		{Key: "L", PrimaryKey: 2},
		{Key: "P", PrimaryKey: 3},
		{Key: "M", PrimaryKey: 4},
	}
}

func collect(t *testing.T, a Adapter) []Key {
	ctx := context.Background()
	require.NoError(t, a.Open(ctx, nil, nil))
	var out []Key
	for !a.Exhausted() {
		out = append(out, a.PrimaryKey())
		require.NoError(t, a.Advance(ctx, 1))
	}
	return out
}

func TestAdapterDirections(t *testing.T) {
	it := iterator.MustIndexKeys("people", "last", nil)
	fwd := collect(t, NewAdapter(newSliceSource(nil, lastNames()...), it))
	assert.Equal(t, []Key{2.0, 0.0, 1.0, 4.0, 3.0}, fwd)

	rev := collect(t, NewAdapter(newSliceSource(nil, lastNames()...), it.Reverse()))
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	assert.Equal(t, fwd, rev)
}

func TestAdapterUnique(t *testing.T) {
	it := iterator.MustIndexKeys("people", "last", nil).Unique()
	assert.Equal(t, []Key{2.0, 0.0, 3.0}, collect(t, NewAdapter(newSliceSource(nil, lastNames()...), it)))
	assert.Equal(t, []Key{3.0, 0.0, 2.0}, collect(t, NewAdapter(newSliceSource(nil, lastNames()...), it.Reverse())))
}

func TestAdapterSeeks(t *testing.T) {
	ctx := context.Background()
	it := iterator.MustIndexKeys("people", "last", only("M"))
	a := NewAdapter(newSliceSource(only("M"), lastNames()...), it)
	require.NoError(t, a.Open(ctx, nil, nil))
	assert.Equal(t, 0.0, a.PrimaryKey())

	require.NoError(t, a.SeekPrimaryKey(ctx, 3))
	assert.Equal(t, 4.0, a.PrimaryKey())
	assert.Equal(t, "M", a.Key())
	// A target behind the cursor still moves it forward.
	require.NoError(t, a.SeekPrimaryKey(ctx, 0))
	assert.True(t, a.Exhausted())

	all := NewAdapter(newSliceSource(nil, lastNames()...), iterator.MustIndexKeys("people", "last", nil))
	require.NoError(t, all.Open(ctx, "M", 1))
	assert.Equal(t, 1.0, all.PrimaryKey())
	require.NoError(t, all.ContinueEffectiveKey(ctx, "N"))
	assert.Equal(t, "P", all.Key())

	require.NoError(t, all.Open(ctx, nil, nil))
	require.NoError(t, all.ContinuePrimaryKey(ctx, "M", 2))
	assert.Equal(t, 4.0, all.PrimaryKey())
	require.NoError(t, all.Advance(ctx, 2))
	assert.True(t, all.Exhausted())
}

func TestAdapterErrors(t *testing.T) {
	ctx := context.Background()
	src := newSliceSource(nil, lastNames()...)
	a := NewAdapter(src, iterator.MustIndexKeys("people", "last", nil))

	assert.Equal(t, ErrCursorGone, errors.Cause(a.Advance(ctx, 1)))
	require.NoError(t, a.Open(ctx, nil, nil))
	assert.Equal(t, ErrInvalidArgument, errors.Cause(a.Advance(ctx, 0)))

	require.NoError(t, a.Update(ctx, "x"))
	assert.Equal(t, "x", src.updates[2.0])
	require.NoError(t, a.Clear(ctx))
	assert.Equal(t, []Key{2.0}, src.deleted)

	require.NoError(t, a.Advance(ctx, 10))
	require.True(t, a.Exhausted())
	assert.Equal(t, ErrCursorGone, errors.Cause(a.Update(ctx, "y")))
	assert.Equal(t, ErrCursorGone, errors.Cause(a.Clear(ctx)))

	require.NoError(t, a.Dispose())
	require.NoError(t, a.Dispose())
	assert.Equal(t, 1, src.closed)
	assert.Equal(t, ErrCursorGone, errors.Cause(a.Open(ctx, nil, nil)))
}

func TestAdapterKeyOnlyValue(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{{Key: "B", PrimaryKey: 1, Value: map[string]any{"id": 1}}}
	keys := NewAdapter(newSliceSource(nil, entries...), iterator.MustIndexKeys("people", "first", nil))
	require.NoError(t, keys.Open(ctx, nil, nil))
	assert.Equal(t, 1.0, keys.Value())

	vals, err := iterator.NewIndexValues("people", "first", nil)
	require.NoError(t, err)
	a := NewAdapter(newSliceSource(nil, entries...), vals)
	require.NoError(t, a.Open(ctx, nil, nil))
	assert.Equal(t, map[string]any{"id": 1}, a.Value())
}

func TestJoined(t *testing.T) {
	ctx := context.Background()
	first := newSliceSource(only("B"),
		Entry{Key: "A", PrimaryKey: 0}, Entry{Key: "B", PrimaryKey: 1}, Entry{Key: "B", PrimaryKey: 2},
		Entry{Key: "D", PrimaryKey: 3}, Entry{Key: "B", PrimaryKey: 4})
	last := newSliceSource(only("M"), lastNames()...)
	j, err := NewJoined([]Adapter{
		NewAdapter(first, iterator.MustIndexKeys("people", "first", only("B"))),
		NewAdapter(last, iterator.MustIndexKeys("people", "last", only("M"))),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Init(ctx))
	assert.False(t, j.Done())
	assert.Equal(t, []Key{"B", "M"}, j.Keys())
	assert.Equal(t, []Key{1.0, 0.0}, j.PrimaryKeys())

	require.NoError(t, j.Apply(ctx, []Move{
		nil,
		func(ctx context.Context) error { return j.SeekPrimaryKey(ctx, 1, 1.0) },
	}))
	assert.Equal(t, []Key{1.0, 1.0}, j.PrimaryKeys())

	require.NoError(t, j.Apply(ctx, []Move{
		func(ctx context.Context) error { return j.Advance(ctx, 0, 1) },
		func(ctx context.Context) error { return j.Advance(ctx, 1, 1) },
	}))
	assert.Equal(t, []Key{2.0, 4.0}, j.PrimaryKeys())

	saved := j.Dispose()
	assert.Equal(t, []Position{{Key: "B", PrimaryKey: 2.0}, {Key: "M", PrimaryKey: 4.0}}, saved)
	assert.Equal(t, saved, j.Dispose())
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, ErrCursorGone, errors.Cause(j.Advance(ctx, 0, 1)))

	resumed, err := NewJoined([]Adapter{
		NewAdapter(first, iterator.MustIndexKeys("people", "first", only("B"))),
		NewAdapter(last, iterator.MustIndexKeys("people", "last", only("M"))),
	}, saved)
	require.NoError(t, err)
	require.NoError(t, resumed.Init(ctx))
	assert.Equal(t, []Key{2.0, 4.0}, resumed.PrimaryKeys())

	require.NoError(t, resumed.Advance(ctx, 1, 1))
	assert.True(t, resumed.Done())
	assert.Nil(t, resumed.Key(1))
	assert.Equal(t, Position{Exhausted: true}, resumed.Snapshot()[1])

	require.NoError(t, resumed.Restart(ctx, 1))
	assert.False(t, resumed.Done())
	assert.Equal(t, 0.0, resumed.PrimaryKey(1))
}

func TestJoinedResumeExhausted(t *testing.T) {
	ctx := context.Background()
	src := newSliceSource(nil, lastNames()...)
	j, err := NewJoined([]Adapter{NewAdapter(src, iterator.MustIndexKeys("people", "last", nil))},
		[]Position{{Exhausted: true}})
	require.NoError(t, err)
	require.NoError(t, j.Init(ctx))
	assert.True(t, j.Done())

	_, err = NewJoined(nil, nil)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))
}
