package sql

import (
	"fmt"
	"strings"

	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
)

type NodeType int

const (
	NodeSelect NodeType = iota
	NodeInsert
)

// Statement is a planned SQL statement.
type Statement interface {
	Type() NodeType
	String() string
}

// Select scans Iterators with Solver. The first iterator yields records; the
// others only contribute primary keys.
type Select struct {
	Store string
	// Columns is nil for *.
	Columns   []string
	Iterators []*iterator.Iterator
	Solver    solver.Solver
	// Filters are conditions no iterator covers, checked on each record.
	Filters []keyrange.Field
	// OrderBy sorts the result by one column. Records lacking the column
	// are left out, as an index over it would never list them.
	OrderBy string
	Desc    bool
	// Sorted is set when the iterators already yield OrderBy order.
	Sorted bool
	// Limit caps the result when HasLimit is set; LIMIT 0 yields no rows.
	Limit    int
	HasLimit bool
	// Empty is set when the where clause cannot match anything.
	Empty bool
}

func (n *Select) Type() NodeType { return NodeSelect }

func (n *Select) String() string {
	if n.Empty {
		return fmt.Sprintf("Empty(%s)", n.Store)
	}
	its := make([]string, len(n.Iterators))
	for i, it := range n.Iterators {
		its[i] = it.String()
	}
	s := fmt.Sprintf("Scan(%s, %s)", n.Solver.Name(), strings.Join(its, "; "))
	for _, f := range n.Filters {
		s = fmt.Sprintf("Filter(%s in %v, %s)", f.Name, f.Range, s)
	}
	if n.OrderBy != "" && !n.Sorted {
		dir := "asc"
		if n.Desc {
			dir = "desc"
		}
		s = fmt.Sprintf("Sort(%s %s, %s)", n.OrderBy, dir, s)
	}
	if n.HasLimit {
		s = fmt.Sprintf("Limit(%d, %s)", n.Limit, s)
	}
	if n.Columns != nil {
		s = fmt.Sprintf("Project(%v, %s)", n.Columns, s)
	}
	return s
}

// Insert puts Records into Store.
type Insert struct {
	Store   string
	Records []schema.Record
}

func (n *Insert) Type() NodeType { return NodeInsert }
func (n *Insert) String() string {
	return fmt.Sprintf("Insert(%s, %d rows)", n.Store, len(n.Records))
}
