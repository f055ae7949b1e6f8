package scan_test

import (
	"context"
	"testing"
	"time"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/scan"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/storage/btreestore"
	"github.com/myuser/cursordb/internal/storage/memstore"
	"github.com/myuser/cursordb/internal/storage/sqlstore"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/myuser/cursordb/internal/txn"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var openers = map[string]func(*schema.Schema) (storage.Engine, error){
	"btree":  func(sch *schema.Schema) (storage.Engine, error) { return btreestore.Open(sch) },
	"memory": func(sch *schema.Schema) (storage.Engine, error) { return memstore.Open(sch) },
	"sqlite": func(sch *schema.Schema) (storage.Engine, error) { return sqlstore.Open(":memory:", sch) },
}

type fixture struct {
	eng    storage.Engine
	queue  *txn.Queue
	driver *scan.Driver
}

func newFixture(t *testing.T, open func(*schema.Schema) (storage.Engine, error)) *fixture {
	eng, err := open(storagetest.PeopleSchema())
	require.NoError(t, err)
	storagetest.Load(t, eng, "people", storagetest.People()...)
	q, err := txn.NewQueue("scan", eng)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
		eng.Close()
	})
	return &fixture{eng: eng, queue: q, driver: scan.NewDriver(q)}
}

// each runs fn once per backend.
func each(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, open := range openers {
		open := open
		t.Run(name, func(t *testing.T) { fn(t, newFixture(t, open)) })
	}
}

func (f *fixture) scan(t *testing.T, its []*iterator.Iterator, s solver.Solver, opts ...scan.Option) (*scan.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := f.driver.Scan(ctx, its, s, opts...).WaitCtx(ctx)
	require.NotEqual(t, context.DeadlineExceeded, errors.Cause(err), "scan never settled")
	return res, err
}

func indexKeys(index string, kr *keyrange.KeyRange) *iterator.Iterator {
	return iterator.MustIndexKeys("people", index, kr)
}

func only(v keyrange.Key) *keyrange.KeyRange {
	return storagetest.Range(keyrange.Only(v))
}

func startsWith(v keyrange.Key) *keyrange.KeyRange {
	return storagetest.Range(keyrange.StartsWith(v))
}

func firstBLastM() []*iterator.Iterator {
	return []*iterator.Iterator{indexKeys("first", only("B")), indexKeys("last", only("M"))}
}

func compound() []*iterator.Iterator {
	return []*iterator.Iterator{
		indexKeys("first,age", startsWith([]any{"B"})),
		indexKeys("last,age", startsWith([]any{"M"})),
	}
}

func TestSortedMerge(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, firstBLastM(), solver.SortedMerge{})
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0, 4.0}, res.PrimaryKeys())
		assert.Greater(t, res.Count, 2)
		assert.Equal(t, []keyrange.Key{"B", "M"}, res.Matches[0].Keys)
		// key-only slots advertise the primary key as their value
		assert.Equal(t, []any{4.0, 4.0}, res.Matches[1].Values)
		assert.False(t, f.queue.Mutex().IsActive())
	})
}

func TestNestedLoop(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, firstBLastM(), solver.NestedLoop{})
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0, 4.0}, res.PrimaryKeys())
	})
}

func TestZigzagMerge(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, compound(), solver.ZigzagMerge{})
		require.NoError(t, err)
		// ordered by age: 21 then 24
		assert.Equal(t, []keyrange.Key{4.0, 1.0}, res.PrimaryKeys())
		assert.Equal(t, []keyrange.Key{[]any{"B", 21.0}, []any{"M", 21.0}}, res.Matches[0].Keys)
	})
}

func TestMergesAgree(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		sorted, err := f.scan(t, firstBLastM(), solver.SortedMerge{})
		require.NoError(t, err)
		zigzag, err := f.scan(t, compound(), solver.ZigzagMerge{})
		require.NoError(t, err)
		assert.ElementsMatch(t, sorted.PrimaryKeys(), zigzag.PrimaryKeys())

		nested, err := f.scan(t, firstBLastM(), solver.NestedLoop{})
		require.NoError(t, err)
		assert.ElementsMatch(t, sorted.PrimaryKeys(), nested.PrimaryKeys())
	})
}

func TestSingleSlot(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, []*iterator.Iterator{indexKeys("first", only("B"))}, solver.SortedMerge{})
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0, 2.0, 4.0}, res.PrimaryKeys())
		for _, p := range res.Positions {
			assert.True(t, p.Exhausted)
		}
	})
}

// rewindJoin probes slot 1 for every primary key of slot 0, rewinding slot 1
// between probes. Slot 0 may come in any order.
func rewindJoin() solver.Solver {
	rewound := false
	return solver.Func{ID: "rewind", F: func(keys, pks []solver.Key) solver.Directive {
		switch c := keyrange.Compare(pks[1], pks[0]); {
		case c == 0:
			rewound = false
			return solver.Emit{Key: pks[0], Then: solver.One(0, 2)}
		case c < 0:
			return solver.One(1, 2)
		case rewound:
			rewound = false
			return solver.One(0, 2)
		default:
			rewound = true
			return solver.Restart{Slots: []bool{false, true}}
		}
	}}
}

func TestRestart(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		driver, err := iterator.NewKeys("people", nil)
		require.NoError(t, err)
		its := []*iterator.Iterator{driver.Reverse(), indexKeys("first", only("B"))}
		res, err := f.scan(t, its, rewindJoin())
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{4.0, 2.0, 1.0}, res.PrimaryKeys())
	})
}

func TestLimitAndResume(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithLimit(1))
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0}, res.PrimaryKeys())
		require.Len(t, res.Positions, 2)
		assert.Equal(t, cursor.Position{Key: "B", PrimaryKey: 2.0}, res.Positions[0])
		assert.Equal(t, cursor.Position{Key: "M", PrimaryKey: 4.0}, res.Positions[1])

		rest, err := f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithResume(res.Positions))
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{4.0}, rest.PrimaryKeys())

		// resuming a finished scan finds nothing
		end, err := f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithResume(rest.Positions))
		require.NoError(t, err)
		assert.Empty(t, end.Matches)
		assert.Zero(t, end.Count)
	})
}

func TestMaxRounds(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		res, err := f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithMaxRounds(1))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Count)
		assert.Empty(t, res.Matches)
	})
}

func TestReadWriteClear(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		wipe := scan.WithOnMatch(func(ctx context.Context, m scan.Match, j *cursor.Joined) error {
			return j.Clear(ctx, 0)
		})
		res, err := f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithReadWrite(), wipe)
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0, 4.0}, res.PrimaryKeys())

		n, err := txn.Do(context.Background(), f.queue, []string{"people"}, storage.ReadOnly,
			func(ctx context.Context, tx storage.Tx) (int, error) { return tx.Count(ctx, "people", nil) }).Wait()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestFailureReleasesScope(t *testing.T) {
	each(t, func(t *testing.T, f *fixture) {
		bad := solver.Func{ID: "bad", F: func(keys, pks []solver.Key) solver.Directive {
			return solver.Advance{Steps: []int{1}}
		}}
		_, err := f.scan(t, firstBLastM(), bad)
		assert.Equal(t, solver.ErrMalformedDirective, errors.Cause(err))
		assert.False(t, f.queue.Mutex().IsActive())

		// a write in a readonly scan fails the whole scan
		wipe := scan.WithOnMatch(func(ctx context.Context, m scan.Match, j *cursor.Joined) error {
			return j.Clear(ctx, 0)
		})
		_, err = f.scan(t, firstBLastM(), solver.SortedMerge{}, wipe)
		assert.Equal(t, storage.ErrReadOnly, errors.Cause(err))
		assert.False(t, f.queue.Mutex().IsActive())

		// nothing was deleted
		res, err := f.scan(t, firstBLastM(), solver.SortedMerge{})
		require.NoError(t, err)
		assert.Equal(t, []keyrange.Key{1.0, 4.0}, res.PrimaryKeys())
	})
}

func TestScanArguments(t *testing.T) {
	f := newFixture(t, openers["btree"])
	_, err := f.scan(t, nil, solver.SortedMerge{})
	assert.Equal(t, iterator.ErrArgument, errors.Cause(err))
	_, err = f.scan(t, firstBLastM(), nil)
	assert.Equal(t, iterator.ErrArgument, errors.Cause(err))
	_, err = f.scan(t, firstBLastM(), solver.SortedMerge{}, scan.WithResume(make([]cursor.Position, 3)))
	assert.Equal(t, cursor.ErrInvalidArgument, errors.Cause(err))

	missing := []*iterator.Iterator{iterator.MustIndexKeys("people", "nickname", nil)}
	_, err = f.scan(t, missing, solver.SortedMerge{})
	assert.Equal(t, storage.ErrNotFound, errors.Cause(err))
}
