package sql

import (
	"context"
	"sort"

	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/scan"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/txn"
	"github.com/pingcap/errors"
)

// Row is one result row.
type Row = schema.Record

// Executor runs statements on a queue.
type Executor struct {
	queue  *txn.Queue
	driver *scan.Driver
}

func NewExecutor(q *txn.Queue, d *scan.Driver) *Executor {
	return &Executor{queue: q, driver: d}
}

// Execute runs a planned statement. An insert reports one row holding the
// number of records written.
func (e *Executor) Execute(ctx context.Context, plan Statement) ([]Row, error) {
	switch n := plan.(type) {
	case *Insert:
		return e.executeInsert(ctx, n)
	case *Select:
		return e.executeSelect(ctx, n)
	default:
		return nil, errors.Annotatef(ErrUnsupported, "plan node %T", plan)
	}
}

func (e *Executor) executeInsert(ctx context.Context, n *Insert) ([]Row, error) {
	if len(n.Records) == 0 {
		return nil, nil
	}
	count, err := txn.Do(ctx, e.queue, []string{n.Store}, storage.ReadWrite, func(ctx context.Context, tx storage.Tx) (int, error) {
		for _, rec := range n.Records {
			if _, err := tx.Put(ctx, n.Store, rec); err != nil {
				return 0, err
			}
		}
		return len(n.Records), nil
	}).Wait()
	if err != nil {
		return nil, err
	}
	return []Row{{"inserted": count}}, nil
}

func (e *Executor) executeSelect(ctx context.Context, n *Select) ([]Row, error) {
	if n.Empty || (n.HasLimit && n.Limit == 0) {
		return []Row{}, nil
	}
	var opts []scan.Option
	if n.Sorted && len(n.Filters) == 0 && n.HasLimit {
		opts = append(opts, scan.WithLimit(n.Limit))
	}
	res, err := e.driver.Scan(ctx, n.Iterators, n.Solver, opts...).Wait()
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(res.Matches))
	for _, m := range res.Matches {
		rec, ok := m.Values[0].(map[string]any)
		if !ok {
			return nil, errors.Errorf("scan of %q yielded %T, not a record", n.Store, m.Values[0])
		}
		if !keep(rec, n.Filters) {
			continue
		}
		if n.OrderBy != "" && field(rec, n.OrderBy) == nil {
			continue
		}
		rows = append(rows, rec)
	}
	if n.OrderBy != "" && !n.Sorted {
		sortRows(rows, n.OrderBy, n.Desc)
	}
	if n.HasLimit && len(rows) > n.Limit {
		rows = rows[:n.Limit]
	}
	if n.Columns != nil {
		for i, rec := range rows {
			rows[i] = project(rec, n.Columns)
		}
	}
	return rows, nil
}

func field(rec Row, name string) keyrange.Key {
	v, ok := schema.Lookup(rec, name)
	if !ok {
		return nil
	}
	k, err := keyrange.Normalize(v)
	if err != nil {
		return nil
	}
	return k
}

func keep(rec Row, filters []keyrange.Field) bool {
	for _, f := range filters {
		k := field(rec, f.Name)
		if k == nil || !f.Range.Contains(k) {
			return false
		}
	}
	return true
}

// sortRows orders rows by column. Every row must carry the column.
func sortRows(rows []Row, column string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		c := keyrange.Compare(field(rows[i], column), field(rows[j], column))
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func project(rec Row, columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := schema.Lookup(rec, c); ok {
			out[c] = v
		}
	}
	return out
}
