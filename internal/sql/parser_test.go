package sql

import (
	"testing"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseSelect(t *testing.T, query string) *Select {
	plan, err := ParseToPlan(query, storagetest.PeopleSchema())
	require.NoError(t, err)
	sel, ok := plan.(*Select)
	require.True(t, ok, "expected Select, got %T", plan)
	return sel
}

func TestParseSelect(t *testing.T) {
	sel := parseSelect(t, "SELECT first, age FROM people WHERE last = 'M' AND first = 'B'")
	assert.Equal(t, "people", sel.Store)
	assert.Equal(t, []string{"first", "age"}, sel.Columns)
	assert.Equal(t, solver.SortedMergeName, sel.Solver.Name())
	require.Len(t, sel.Iterators, 2)
	assert.Equal(t, "first", sel.Iterators[0].Index())
	assert.False(t, sel.Iterators[0].IsKeyOnly())
	assert.Equal(t, "last", sel.Iterators[1].Index())
	assert.True(t, sel.Iterators[1].IsKeyOnly())
	assert.True(t, sel.Sorted)
	assert.Contains(t, sel.String(), "Project")
}

func TestParseZigzag(t *testing.T) {
	sel := parseSelect(t, "SELECT * FROM people WHERE first = 'B' AND last = 'M' ORDER BY age")
	assert.Equal(t, solver.ZigzagMergeName, sel.Solver.Name())
	require.Len(t, sel.Iterators, 2)
	assert.Equal(t, "first,age", sel.Iterators[0].Index())
	assert.Equal(t, "last,age", sel.Iterators[1].Index())
	p, ok := sel.Iterators[0].Range().ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, []any{"B"}, p)
	assert.True(t, sel.Sorted)

	// descending order falls back to a sort
	sel = parseSelect(t, "SELECT * FROM people WHERE first = 'B' AND last = 'M' ORDER BY age DESC")
	assert.Equal(t, solver.SortedMergeName, sel.Solver.Name())
	assert.False(t, sel.Sorted)
}

func TestParseRanges(t *testing.T) {
	// no single-field index on age: primary scan plus filter
	sel := parseSelect(t, "SELECT * FROM people WHERE age > 20 AND age <= 30")
	require.Len(t, sel.Iterators, 1)
	assert.False(t, sel.Iterators[0].IsIndexIterator())
	require.Len(t, sel.Filters, 1)
	assert.Equal(t, "age", sel.Filters[0].Name)
	assert.True(t, sel.Filters[0].Range.Contains(30.0))
	assert.False(t, sel.Filters[0].Range.Contains(20.0))

	sel = parseSelect(t, "SELECT * FROM people WHERE first LIKE 'B%'")
	require.Len(t, sel.Iterators, 1)
	assert.Equal(t, "first", sel.Iterators[0].Index())
	p, ok := sel.Iterators[0].Range().ResolvedStartsWith()
	require.True(t, ok)
	assert.Equal(t, "B", p)

	sel = parseSelect(t, "SELECT * FROM people WHERE id BETWEEN 1 AND 3 AND first = 'B'")
	require.Len(t, sel.Iterators, 2)
	assert.False(t, sel.Iterators[0].IsIndexIterator())
	assert.Equal(t, storagetest.Range(keyrange.Bound(1, 3, false, false)), sel.Iterators[0].Range())

	sel = parseSelect(t, "SELECT * FROM people WHERE 20 < id")
	assert.True(t, sel.Iterators[0].Range().LowerOpen())
	assert.Equal(t, 20.0, sel.Iterators[0].Range().Lower())

	sel = parseSelect(t, "SELECT id FROM people ORDER BY id DESC LIMIT 2")
	assert.True(t, sel.Sorted)
	assert.True(t, sel.Iterators[0].IsReverse())
	assert.Equal(t, 2, sel.Limit)
	assert.True(t, sel.HasLimit)

	sel = parseSelect(t, "SELECT id FROM people LIMIT 0")
	assert.Equal(t, 0, sel.Limit)
	assert.True(t, sel.HasLimit)
	assert.Contains(t, sel.String(), "Limit(0")
	assert.False(t, parseSelect(t, "SELECT id FROM people").HasLimit)
}

func TestParseEmpty(t *testing.T) {
	assert.True(t, parseSelect(t, "SELECT * FROM people WHERE first = 'A' AND first = 'B'").Empty)
	assert.True(t, parseSelect(t, "SELECT * FROM people WHERE id BETWEEN 3 AND 1").Empty)
	assert.False(t, parseSelect(t, "SELECT * FROM people WHERE first >= 'A' AND first <= 'A'").Empty)
}

func TestParseUnsupported(t *testing.T) {
	sch := storagetest.PeopleSchema()
	for _, q := range []string{
		"SELECT * FROM people WHERE first = 'B' OR last = 'M'",
		"SELECT * FROM people WHERE first != 'B'",
		"SELECT * FROM people WHERE first LIKE '%B'",
		"SELECT count(*) FROM people",
		"SELECT * FROM people ORDER BY first, last",
		"SELECT * FROM people LIMIT 1, 2",
		"DELETE FROM people WHERE id = 1",
	} {
		_, err := ParseToPlan(q, sch)
		assert.Equal(t, ErrUnsupported, errors.Cause(err), q)
	}

	_, err := ParseToPlan("SELECT * FROM users", sch)
	assert.Equal(t, schema.ErrUnknownStore, errors.Cause(err))
	_, err = ParseToPlan("SELEKT", sch)
	assert.Error(t, err)
}

func TestParseInsert(t *testing.T) {
	plan, err := ParseToPlan("INSERT INTO people (id, first, age) VALUES (7, 'Q', -3), (8, 'R', NULL)", storagetest.PeopleSchema())
	require.NoError(t, err)
	ins, ok := plan.(*Insert)
	require.True(t, ok, "expected Insert, got %T", plan)
	assert.Equal(t, "people", ins.Store)
	require.Len(t, ins.Records, 2)
	assert.Equal(t, schema.Record{"id": 7.0, "first": "Q", "age": -3.0}, ins.Records[0])
	assert.Equal(t, schema.Record{"id": 8.0, "first": "R"}, ins.Records[1])

	_, err = ParseToPlan("INSERT INTO people VALUES (1)", storagetest.PeopleSchema())
	assert.Equal(t, ErrUnsupported, errors.Cause(err))
}
