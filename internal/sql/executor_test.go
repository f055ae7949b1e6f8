package sql

import (
	"context"
	"testing"

	"github.com/myuser/cursordb/internal/scan"
	"github.com/myuser/cursordb/internal/storage/btreestore"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/myuser/cursordb/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *Executor {
	store, err := btreestore.Open(storagetest.PeopleSchema())
	require.NoError(t, err)
	storagetest.Load(t, store, "people", storagetest.People()...)
	q, err := txn.NewQueue("sql", store)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
		store.Close()
	})
	return NewExecutor(q, scan.NewDriver(q))
}

func query(t *testing.T, e *Executor, q string) []Row {
	plan, err := ParseToPlan(q, storagetest.PeopleSchema())
	require.NoError(t, err)
	rows, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	return rows
}

func ids(rows []Row) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r["id"]
	}
	return out
}

func TestExecutor_Select(t *testing.T) {
	e := newExecutor(t)
	cases := []struct {
		query string
		ids   []any
	}{
		{"SELECT * FROM people WHERE first = 'B' AND last = 'M'", []any{1.0, 4.0}},
		{"SELECT * FROM people WHERE first = 'B' AND last = 'M' ORDER BY age", []any{4.0, 1.0}},
		{"SELECT * FROM people WHERE first = 'B' AND last = 'M' ORDER BY age DESC", []any{1.0, 4.0}},
		{"SELECT id FROM people WHERE age > 20 ORDER BY age DESC", []any{3.0, 1.0, 4.0}},
		{"SELECT id FROM people ORDER BY id DESC LIMIT 2", []any{4.0, 3.0}},
		{"SELECT id FROM people LIMIT 0", []any{}},
		{"SELECT id FROM people WHERE first = 'B' ORDER BY id LIMIT 0", []any{}},
		{"SELECT id FROM people WHERE first LIKE 'B%' ORDER BY id", []any{1.0, 2.0, 4.0}},
		{"SELECT id FROM people WHERE first LIKE 'B%' AND age < 22", []any{2.0, 4.0}},
		{"SELECT id FROM people WHERE id >= 3", []any{3.0, 4.0}},
		{"SELECT id FROM people WHERE first = 'A' AND first = 'B'", []any{}},
	}
	for _, c := range cases {
		assert.Equal(t, c.ids, ids(query(t, e, c.query)), c.query)
	}

	rows := query(t, e, "SELECT first, age FROM people WHERE id = 3")
	assert.Equal(t, []Row{{"first": "D", "age": 49.0}}, rows)
}

func TestExecutor_InsertSelect(t *testing.T) {
	e := newExecutor(t)

	rows := query(t, e, "INSERT INTO people (id, first, last, age, email) VALUES (5, 'B', 'M', 30, 'p5@example.com'), (6, 'C', 'M', 31, 'p6@example.com')")
	assert.Equal(t, []Row{{"inserted": 2}}, rows)

	rows = query(t, e, "SELECT id FROM people WHERE first = 'B' AND last = 'M' ORDER BY age")
	assert.Equal(t, []any{4.0, 1.0, 5.0}, ids(rows))

	// unique email clash aborts the whole insert
	plan, err := ParseToPlan("INSERT INTO people (id, email) VALUES (7, 'p7@example.com'), (8, 'p0@example.com')", storagetest.PeopleSchema())
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), plan)
	assert.Error(t, err)
	assert.Empty(t, query(t, e, "SELECT id FROM people WHERE id = 7"))
}

func TestExecutor_OrderByMissingColumn(t *testing.T) {
	e := newExecutor(t)
	query(t, e, "INSERT INTO people (id, first, last) VALUES (9, 'B', 'M')")

	cases := []struct {
		query string
		ids   []any
	}{
		{"SELECT id FROM people WHERE first = 'B' AND last = 'M'", []any{1.0, 4.0, 9.0}},
		{"SELECT id FROM people WHERE first = 'B' AND last = 'M' ORDER BY age", []any{4.0, 1.0}},
		{"SELECT id FROM people WHERE first = 'B' AND last = 'M' ORDER BY age DESC", []any{1.0, 4.0}},
		{"SELECT id FROM people WHERE first = 'B' ORDER BY age DESC LIMIT 5", []any{1.0, 4.0, 2.0}},
		{"SELECT id FROM people WHERE id >= 4 ORDER BY age", []any{4.0}},
	}
	for _, c := range cases {
		assert.Equal(t, c.ids, ids(query(t, e, c.query)), c.query)
	}
}
