// Package storagetest is the conformance suite every storage.Engine passes.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener builds an empty engine serving sch.
type Opener func(t *testing.T, sch *schema.Schema) storage.Engine

// PeopleSchema is the fixture schema: one store with single-field, compound
// and unique indexes.
func PeopleSchema() *schema.Schema {
	return schema.New(schema.Store{
		Name:    "people",
		KeyPath: "id",
		Indexes: []schema.Index{
			{Name: "first", KeyPath: []string{"first"}},
			{Name: "last", KeyPath: []string{"last"}},
			{Name: "first,age", KeyPath: []string{"first", "age"}},
			{Name: "last,age", KeyPath: []string{"last", "age"}},
			{Name: "email", KeyPath: []string{"email"}, Unique: true},
		},
	}, schema.Store{
		Name:    "notes",
		KeyPath: "id",
	})
}

// People is the fixture data.
func People() []schema.Record {
	firsts := []string{"A", "B", "B", "D", "B"}
	lasts := []string{"M", "M", "L", "P", "M"}
	ages := []int{20, 24, 16, 49, 21}
	out := make([]schema.Record, len(firsts))
	for i := range firsts {
		out[i] = schema.Record{
			"id":    i,
			"first": firsts[i],
			"last":  lasts[i],
			"age":   ages[i],
			"email": fmt.Sprintf("p%d@example.com", i),
		}
	}
	return out
}

// Load writes recs into store in one readwrite transaction.
func Load(t *testing.T, eng storage.Engine, store string, recs ...schema.Record) {
	ctx := context.Background()
	tx, err := eng.Begin(ctx, []string{store}, storage.ReadWrite)
	require.NoError(t, err)
	for _, r := range recs {
		_, err := tx.Put(ctx, store, r)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

// Range panics on invalid ranges; fixtures are literals.
func Range(kr *keyrange.KeyRange, err error) *keyrange.KeyRange {
	if err != nil {
		panic(err)
	}
	return kr
}

func open(t *testing.T, opener Opener) storage.Engine {
	eng := opener(t, PeopleSchema())
	t.Cleanup(func() { eng.Close() })
	Load(t, eng, "people", People()...)
	return eng
}

func view(t *testing.T, eng storage.Engine) storage.Tx {
	tx, err := eng.Begin(context.Background(), []string{"people"}, storage.ReadOnly)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Abort() })
	return tx
}

// primaryKeys drains a cursor over it.
func primaryKeys(t *testing.T, tx storage.Tx, it *iterator.Iterator) []keyrange.Key {
	ctx := context.Background()
	c, err := tx.OpenCursor(ctx, it)
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Open(ctx, nil, nil))
	var out []keyrange.Key
	for !c.Exhausted() {
		out = append(out, c.PrimaryKey())
		require.NoError(t, c.Advance(ctx, 1))
	}
	return out
}

func reversed(ks []keyrange.Key) []keyrange.Key {
	out := make([]keyrange.Key, len(ks))
	for i, k := range ks {
		out[len(ks)-1-i] = k
	}
	return out
}

// Run runs the suite against engines built by opener.
func Run(t *testing.T, opener Opener) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, opener) })
	t.Run("Directions", func(t *testing.T) { testDirections(t, opener) })
	t.Run("Unique", func(t *testing.T) { testUnique(t, opener) })
	t.Run("Seeks", func(t *testing.T) { testSeeks(t, opener) })
	t.Run("StartsWith", func(t *testing.T) { testStartsWith(t, opener) })
	t.Run("CursorWrites", func(t *testing.T) { testCursorWrites(t, opener) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, opener) })
	t.Run("Constraint", func(t *testing.T) { testConstraint(t, opener) })
	t.Run("Abort", func(t *testing.T) { testAbort(t, opener) })
	t.Run("Scope", func(t *testing.T) { testScope(t, opener) })
}

func testPutGet(t *testing.T, opener Opener) {
	ctx := context.Background()
	eng := open(t, opener)
	tx := view(t, eng)

	rec, ok, err := tx.Get(ctx, "people", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "D", rec["first"])
	assert.Equal(t, 49.0, rec["age"])

	_, ok, err = tx.Get(ctx, "people", 9)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := tx.Count(ctx, "people", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = tx.Count(ctx, "people", Range(keyrange.Bound(1, 3, false, true)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testDirections(t *testing.T, opener Opener) {
	tx := view(t, open(t, opener))
	keys, err := iterator.NewKeys("people", Range(keyrange.Bound(1, 4, true, false)))
	require.NoError(t, err)
	cases := []struct {
		it   *iterator.Iterator
		want []keyrange.Key
	}{
		{iterator.MustIndexKeys("people", "last", nil), []keyrange.Key{2.0, 0.0, 1.0, 4.0, 3.0}},
		{iterator.MustIndexKeys("people", "first", Range(keyrange.Only("B"))), []keyrange.Key{1.0, 2.0, 4.0}},
		// (first, age): A20 B16 B21 B24 D49
		{iterator.MustIndexKeys("people", "first,age", nil), []keyrange.Key{0.0, 2.0, 4.0, 1.0, 3.0}},
		{keys, []keyrange.Key{2.0, 3.0, 4.0}},
	}
	for _, c := range cases {
		fwd := primaryKeys(t, tx, c.it)
		assert.Equal(t, c.want, fwd, c.it.String())
		assert.Equal(t, reversed(fwd), primaryKeys(t, tx, c.it.Reverse()), c.it.String())
	}
}

func testUnique(t *testing.T, opener Opener) {
	tx := view(t, open(t, opener))
	it := iterator.MustIndexKeys("people", "last", nil).Unique()
	assert.Equal(t, []keyrange.Key{2.0, 0.0, 3.0}, primaryKeys(t, tx, it))
	assert.Equal(t, []keyrange.Key{3.0, 0.0, 2.0}, primaryKeys(t, tx, it.Reverse()))
}

func testSeeks(t *testing.T, opener Opener) {
	ctx := context.Background()
	tx := view(t, open(t, opener))

	c, err := tx.OpenCursor(ctx, iterator.MustIndexKeys("people", "last", nil))
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Open(ctx, "M", 1))
	assert.Equal(t, 1.0, c.PrimaryKey())

	require.NoError(t, c.SeekPrimaryKey(ctx, 3))
	assert.Equal(t, "M", c.Key())
	assert.Equal(t, 4.0, c.PrimaryKey())

	// past the run of "M": lands on the next effective key
	require.NoError(t, c.SeekPrimaryKey(ctx, 9))
	assert.Equal(t, "P", c.Key())

	require.NoError(t, c.Open(ctx, nil, nil))
	require.NoError(t, c.ContinueEffectiveKey(ctx, "N"))
	assert.Equal(t, "P", c.Key())

	require.NoError(t, c.Open(ctx, nil, nil))
	require.NoError(t, c.ContinuePrimaryKey(ctx, "M", 1))
	assert.Equal(t, 1.0, c.PrimaryKey())
	require.NoError(t, c.Advance(ctx, 2))
	assert.Equal(t, 3.0, c.PrimaryKey())
	require.NoError(t, c.Advance(ctx, 5))
	assert.True(t, c.Exhausted())
	assert.Equal(t, cursor.ErrCursorGone, errors.Cause(c.Advance(ctx, 1)))

	r, err := tx.OpenCursor(ctx, iterator.MustIndexKeys("people", "last", nil).Reverse())
	require.NoError(t, err)
	defer r.Dispose()
	require.NoError(t, r.Open(ctx, nil, nil))
	require.NoError(t, r.ContinueEffectiveKey(ctx, "M"))
	assert.Equal(t, 4.0, r.PrimaryKey())
	require.NoError(t, r.SeekPrimaryKey(ctx, 0))
	assert.Equal(t, 0.0, r.PrimaryKey())
	require.NoError(t, r.Advance(ctx, 1))
	assert.Equal(t, "L", r.Key())
}

func testStartsWith(t *testing.T, opener Opener) {
	eng := open(t, opener)
	Load(t, eng, "people", schema.Record{
		"id": 7, "first": "E", "last": "Q", "age": 30, "email": "p3\U0010FFFFz",
	})
	tx := view(t, eng)
	it := iterator.MustIndexKeys("people", "first,age", Range(keyrange.StartsWith([]any{"B"})))
	assert.Equal(t, []keyrange.Key{2.0, 4.0, 1.0}, primaryKeys(t, tx, it))
	assert.Equal(t, []keyrange.Key{1.0, 4.0, 2.0}, primaryKeys(t, tx, it.Reverse()))

	it = iterator.MustIndexKeys("people", "email", Range(keyrange.StartsWith("p3")))
	assert.Equal(t, []keyrange.Key{3.0, 7.0}, primaryKeys(t, tx, it))
	assert.Equal(t, []keyrange.Key{7.0, 3.0}, primaryKeys(t, tx, it.Reverse()))
}

func testCursorWrites(t *testing.T, opener Opener) {
	ctx := context.Background()
	eng := open(t, opener)
	tx, err := eng.Begin(ctx, []string{"people"}, storage.ReadWrite)
	require.NoError(t, err)

	vals, err := iterator.NewIndexValues("people", "first", Range(keyrange.Only("B")))
	require.NoError(t, err)
	c, err := tx.OpenCursor(ctx, vals)
	require.NoError(t, err)
	require.NoError(t, c.Open(ctx, nil, nil))
	rec := c.Value().(schema.Record)
	assert.Equal(t, 1.0, rec["id"])

	rec["first"] = "C"
	require.NoError(t, c.Update(ctx, rec))
	require.NoError(t, c.Advance(ctx, 1))
	assert.Equal(t, 2.0, c.PrimaryKey())
	require.NoError(t, c.Clear(ctx))
	require.NoError(t, c.Advance(ctx, 1))
	assert.Equal(t, 4.0, c.PrimaryKey())

	bad := schema.Record{"id": 7, "first": "B"}
	assert.Equal(t, storage.ErrConstraint, errors.Cause(c.Update(ctx, bad)))

	require.NoError(t, c.Advance(ctx, 1))
	require.True(t, c.Exhausted())
	assert.Equal(t, cursor.ErrCursorGone, errors.Cause(c.Update(ctx, rec)))
	assert.Equal(t, cursor.ErrCursorGone, errors.Cause(c.Clear(ctx)))
	require.NoError(t, c.Dispose())
	require.NoError(t, tx.Commit())

	check := view(t, eng)
	assert.Equal(t, []keyrange.Key{4.0}, primaryKeys(t, check, vals))
	assert.Equal(t, []keyrange.Key{1.0}, primaryKeys(t, check, iterator.MustIndexKeys("people", "first", Range(keyrange.Only("C")))))
	_, ok, err := check.Get(ctx, "people", 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReadOnly(t *testing.T, opener Opener) {
	ctx := context.Background()
	tx := view(t, open(t, opener))
	_, err := tx.Put(ctx, "people", schema.Record{"id": 9})
	assert.Equal(t, storage.ErrReadOnly, errors.Cause(err))
	assert.Equal(t, storage.ErrReadOnly, errors.Cause(tx.Delete(ctx, "people", 1)))

	c, err := tx.OpenCursor(ctx, iterator.MustIndexKeys("people", "last", nil))
	require.NoError(t, err)
	defer c.Dispose()
	require.NoError(t, c.Open(ctx, nil, nil))
	assert.Equal(t, storage.ErrReadOnly, errors.Cause(c.Clear(ctx)))
}

func testConstraint(t *testing.T, opener Opener) {
	ctx := context.Background()
	eng := open(t, opener)
	tx, err := eng.Begin(ctx, []string{"people"}, storage.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Put(ctx, "people", schema.Record{"id": 8, "email": "p1@example.com"})
	assert.Equal(t, storage.ErrConstraint, errors.Cause(err))
	// rewriting the holder itself is fine
	_, err = tx.Put(ctx, "people", schema.Record{"id": 1, "email": "p1@example.com", "first": "Z"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func testAbort(t *testing.T, opener Opener) {
	ctx := context.Background()
	eng := open(t, opener)
	tx, err := eng.Begin(ctx, []string{"people"}, storage.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Put(ctx, "people", schema.Record{"id": 1, "first": "Q", "last": "Q"})
	require.NoError(t, err)
	_, err = tx.Put(ctx, "people", schema.Record{"id": 7, "first": "B"})
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "people", 0))
	require.NoError(t, tx.Abort())
	require.NoError(t, tx.Abort())

	check := view(t, eng)
	n, err := check.Count(ctx, "people", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []keyrange.Key{1.0, 2.0, 4.0},
		primaryKeys(t, check, iterator.MustIndexKeys("people", "first", Range(keyrange.Only("B")))))
	assert.Equal(t, []keyrange.Key{0.0, 1.0, 4.0},
		primaryKeys(t, check, iterator.MustIndexKeys("people", "last", Range(keyrange.Only("M")))))
}

func testScope(t *testing.T, opener Opener) {
	ctx := context.Background()
	eng := open(t, opener)
	_, err := eng.Begin(ctx, []string{"nope"}, storage.ReadOnly)
	assert.Equal(t, storage.ErrNotFound, errors.Cause(err))

	tx, err := eng.Begin(ctx, []string{"people"}, storage.ReadOnly)
	require.NoError(t, err)
	_, _, err = tx.Get(ctx, "notes", 1)
	assert.Equal(t, storage.ErrNotFound, errors.Cause(err))
	_, err = tx.OpenCursor(ctx, iterator.MustIndexKeys("people", "nope", nil))
	assert.Equal(t, storage.ErrNotFound, errors.Cause(err))

	c, err := tx.OpenCursor(ctx, iterator.MustIndexKeys("people", "last", nil))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, storage.ErrTxDone, errors.Cause(c.Open(ctx, nil, nil)))
	assert.Equal(t, storage.ErrTxDone, errors.Cause(tx.Commit()))
}
