// Package sql plans a small SQL subset onto iterators and a join solver.
package sql

import (
	"sort"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/pingcap/errors"
)

// ErrUnsupported is returned for valid SQL outside the planned subset.
var ErrUnsupported = errors.New("unsupported statement")

// ParseToPlan parses query and plans it against sch.
func ParseToPlan(query string, sch *schema.Schema) (Statement, error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, errors.Annotatef(err, "parse %q", query)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s, sch)
	case *sqlparser.Insert:
		return buildInsertPlan(s, sch)
	default:
		return nil, errors.Annotatef(ErrUnsupported, "statement type %T", stmt)
	}
}

func tableName(sch *schema.Schema, from sqlparser.TableExprs) (*schema.Store, error) {
	if len(from) != 1 {
		return nil, errors.Annotate(ErrUnsupported, "exactly one table required")
	}
	aliased, ok := from[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, errors.Annotate(ErrUnsupported, "complex FROM clause")
	}
	return sch.Store(sqlparser.String(aliased.Expr))
}

func buildSelectPlan(stmt *sqlparser.Select, sch *schema.Schema) (*Select, error) {
	if stmt.GroupBy != nil || stmt.Having != nil || stmt.Distinct != "" {
		return nil, errors.Annotate(ErrUnsupported, "grouping")
	}
	st, err := tableName(sch, stmt.From)
	if err != nil {
		return nil, err
	}
	p := &Select{Store: st.Name}

	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			if len(stmt.SelectExprs) != 1 {
				return nil, errors.Annotate(ErrUnsupported, "* mixed with columns")
			}
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, errors.Annotatef(ErrUnsupported, "select expression %s", sqlparser.String(e.Expr))
			}
			p.Columns = append(p.Columns, col.Name.String())
		default:
			return nil, errors.Annotatef(ErrUnsupported, "select expression %s", sqlparser.String(expr))
		}
	}

	if len(stmt.OrderBy) > 1 {
		return nil, errors.Annotate(ErrUnsupported, "ORDER BY on several columns")
	}
	if len(stmt.OrderBy) == 1 {
		col, ok := stmt.OrderBy[0].Expr.(*sqlparser.ColName)
		if !ok {
			return nil, errors.Annotatef(ErrUnsupported, "ORDER BY %s", sqlparser.String(stmt.OrderBy[0].Expr))
		}
		p.OrderBy = col.Name.String()
		p.Desc = stmt.OrderBy[0].Direction == sqlparser.DescScr
	}

	if stmt.Limit != nil {
		if stmt.Limit.Offset != nil {
			return nil, errors.Annotate(ErrUnsupported, "OFFSET")
		}
		v, ok := stmt.Limit.Rowcount.(*sqlparser.SQLVal)
		if !ok || v.Type != sqlparser.IntVal {
			return nil, errors.Annotatef(ErrUnsupported, "LIMIT %s", sqlparser.String(stmt.Limit.Rowcount))
		}
		n, err := strconv.Atoi(string(v.Val))
		if err != nil || n < 0 {
			return nil, errors.Annotatef(ErrUnsupported, "LIMIT %s", v.Val)
		}
		p.Limit = n
		p.HasLimit = true
	}

	b := &builder{fields: make(map[string]keyrange.Field)}
	if stmt.Where != nil {
		if err := b.collect(stmt.Where.Expr); err != nil {
			return nil, err
		}
	}
	p.Empty = b.empty
	if !p.Empty {
		if err := b.plan(st, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// builder gathers the where clause as one range per column.
type builder struct {
	fields map[string]keyrange.Field
	empty  bool
}

func (b *builder) add(name string, kr *keyrange.KeyRange, err error) error {
	if errors.Cause(err) == keyrange.ErrInvalidRange {
		b.empty = true
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "condition on %q", name)
	}
	f := keyrange.Field{Name: name, Range: kr}
	if prev, ok := b.fields[name]; ok {
		merged, ok, err := prev.And(f)
		if err != nil {
			return err
		}
		if !ok {
			b.empty = true
		}
		f = merged
	}
	b.fields[name] = f
	return nil
}

var flipped = map[string]string{
	sqlparser.EqualStr:        sqlparser.EqualStr,
	sqlparser.LessThanStr:     sqlparser.GreaterThanStr,
	sqlparser.LessEqualStr:    sqlparser.GreaterEqualStr,
	sqlparser.GreaterThanStr:  sqlparser.LessThanStr,
	sqlparser.GreaterEqualStr: sqlparser.LessEqualStr,
}

func (b *builder) collect(expr sqlparser.Expr) error {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		if err := b.collect(e.Left); err != nil {
			return err
		}
		return b.collect(e.Right)
	case *sqlparser.ParenExpr:
		return b.collect(e.Expr)
	case *sqlparser.ComparisonExpr:
		op, left, right := e.Operator, e.Left, e.Right
		if _, ok := left.(*sqlparser.ColName); !ok {
			if f, ok := flipped[op]; ok {
				op, left, right = f, right, left
			}
		}
		col, ok := left.(*sqlparser.ColName)
		if !ok {
			return errors.Annotatef(ErrUnsupported, "condition %s", sqlparser.String(e))
		}
		v, err := literal(right)
		if err != nil {
			return err
		}
		name := col.Name.String()
		switch op {
		case sqlparser.EqualStr:
			kr, err := keyrange.Only(v)
			return b.add(name, kr, err)
		case sqlparser.LessThanStr:
			kr, err := keyrange.UpperBound(v, true)
			return b.add(name, kr, err)
		case sqlparser.LessEqualStr:
			kr, err := keyrange.UpperBound(v, false)
			return b.add(name, kr, err)
		case sqlparser.GreaterThanStr:
			kr, err := keyrange.LowerBound(v, true)
			return b.add(name, kr, err)
		case sqlparser.GreaterEqualStr:
			kr, err := keyrange.LowerBound(v, false)
			return b.add(name, kr, err)
		case sqlparser.LikeStr:
			prefix, exact, ok := likePrefix(v)
			if !ok {
				return errors.Annotatef(ErrUnsupported, "LIKE pattern %v", v)
			}
			if exact {
				kr, err := keyrange.Only(prefix)
				return b.add(name, kr, err)
			}
			kr, err := keyrange.StartsWith(prefix)
			return b.add(name, kr, err)
		}
		return errors.Annotatef(ErrUnsupported, "operator %q", op)
	case *sqlparser.RangeCond:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || e.Operator != sqlparser.BetweenStr {
			return errors.Annotatef(ErrUnsupported, "condition %s", sqlparser.String(e))
		}
		lo, err := literal(e.From)
		if err != nil {
			return err
		}
		hi, err := literal(e.To)
		if err != nil {
			return err
		}
		kr, err := keyrange.Bound(lo, hi, false, false)
		return b.add(col.Name.String(), kr, err)
	}
	return errors.Annotatef(ErrUnsupported, "condition %s", sqlparser.String(expr))
}

// likePrefix accepts patterns with at most one trailing %.
func likePrefix(v keyrange.Key) (string, bool, bool) {
	s, ok := v.(string)
	if !ok || strings.Contains(s, "_") {
		return "", false, false
	}
	prefix := strings.TrimSuffix(s, "%")
	if strings.Contains(prefix, "%") {
		return "", false, false
	}
	return prefix, prefix == s, true
}

func literal(expr sqlparser.Expr) (keyrange.Key, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		switch e.Type {
		case sqlparser.StrVal:
			return string(e.Val), nil
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(e.Val), 10, 64)
			if err != nil {
				return nil, errors.Annotatef(ErrUnsupported, "integer %s", e.Val)
			}
			return float64(n), nil
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(e.Val), 64)
			if err != nil {
				return nil, errors.Annotatef(ErrUnsupported, "number %s", e.Val)
			}
			return f, nil
		}
	case *sqlparser.UnaryExpr:
		if e.Operator == sqlparser.UMinusStr {
			v, err := literal(e.Expr)
			if err != nil {
				return nil, err
			}
			if f, ok := v.(float64); ok {
				return -f, nil
			}
		}
	}
	return nil, errors.Annotatef(ErrUnsupported, "value %s", sqlparser.String(expr))
}

// value converts an INSERT value. Null fields are left out.
func value(expr sqlparser.Expr) (any, bool, error) {
	switch e := expr.(type) {
	case *sqlparser.NullVal:
		return nil, false, nil
	case sqlparser.BoolVal:
		return bool(e), true, nil
	}
	v, err := literal(expr)
	return v, err == nil, err
}

// source is what can serve a column: the primary key or a single-field index.
type source struct {
	field   keyrange.Field
	index   string
	primary bool
}

func (s source) sortedByPrimaryKey() bool {
	return s.primary || s.field.Range.IsOnly()
}

func singleIndex(st *schema.Store, col string) (string, bool) {
	for _, ix := range st.Indexes {
		if len(ix.KeyPath) == 1 && ix.KeyPath[0] == col {
			return ix.Name, true
		}
	}
	return "", false
}

func compoundIndex(st *schema.Store, col, order string) (string, bool) {
	for _, ix := range st.Indexes {
		if len(ix.KeyPath) == 2 && ix.KeyPath[0] == col && ix.KeyPath[1] == order {
			return ix.Name, true
		}
	}
	return "", false
}

func (b *builder) sorted() []keyrange.Field {
	out := make([]keyrange.Field, 0, len(b.fields))
	for _, f := range b.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// plan picks iterators: equality conditions on indexed columns and the
// primary key range are intersected with SortedMerge, since both yield
// primary key order. Failing that one range condition drives the scan. The
// rest become filters.
func (b *builder) plan(st *schema.Store, p *Select) error {
	fields := b.sorted()
	if b.zigzag(st, p, fields) {
		return nil
	}

	var joins, ranges []source
	for _, f := range fields {
		switch ix, ok := singleIndex(st, f.Name); {
		case f.Name == st.KeyPath:
			joins = append([]source{{field: f, primary: true}}, joins...)
		case !ok:
			p.Filters = append(p.Filters, f)
		case f.Range.IsOnly():
			joins = append(joins, source{field: f, index: ix})
		default:
			ranges = append(ranges, source{field: f, index: ix})
		}
	}
	if len(joins) == 0 && len(ranges) > 0 {
		// prefer the range the result is ordered by
		pick := 0
		for i, r := range ranges {
			if r.field.Name == p.OrderBy {
				pick = i
			}
		}
		joins = append(joins, ranges[pick])
		ranges = append(ranges[:pick], ranges[pick+1:]...)
	}
	for _, r := range ranges {
		p.Filters = append(p.Filters, r.field)
	}
	if len(joins) == 0 {
		joins = append(joins, source{field: keyrange.Field{Name: st.KeyPath}, primary: true})
	}

	for i, s := range joins {
		var it *iterator.Iterator
		var err error
		switch {
		case s.primary && i == 0:
			it, err = iterator.NewValues(st.Name, s.field.Range)
		case s.primary:
			it, err = iterator.NewKeys(st.Name, s.field.Range)
		case i == 0:
			it, err = iterator.NewIndexValues(st.Name, s.index, s.field.Range)
		default:
			it, err = iterator.NewIndexKeys(st.Name, s.index, s.field.Range)
		}
		if err != nil {
			return errors.Trace(err)
		}
		p.Iterators = append(p.Iterators, it)
	}
	p.Solver = solver.SortedMerge{}

	switch {
	case p.OrderBy == "":
		p.Sorted = true
	case len(joins) == 1:
		s := joins[0]
		p.Sorted = s.field.Name == p.OrderBy || (p.OrderBy == st.KeyPath && s.sortedByPrimaryKey())
		if p.Sorted && p.Desc {
			p.Iterators[0] = p.Iterators[0].Reverse()
		}
	default:
		p.Sorted = p.OrderBy == st.KeyPath && !p.Desc
	}
	return nil
}

// zigzag plans equality conditions ordered by another column onto compound
// (column, order) indexes, which yield matches already in order.
func (b *builder) zigzag(st *schema.Store, p *Select, fields []keyrange.Field) bool {
	if p.OrderBy == "" || p.Desc || len(fields) == 0 {
		return false
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		if f.Name == st.KeyPath || !f.Range.IsOnly() {
			return false
		}
		ix, ok := compoundIndex(st, f.Name, p.OrderBy)
		if !ok {
			return false
		}
		names[i] = ix
	}
	its := make([]*iterator.Iterator, len(fields))
	for i, f := range fields {
		kr, err := keyrange.StartsWith([]any{f.Range.Lower()})
		if err != nil {
			return false
		}
		if i == 0 {
			its[i], err = iterator.NewIndexValues(st.Name, names[i], kr)
		} else {
			its[i], err = iterator.NewIndexKeys(st.Name, names[i], kr)
		}
		if err != nil {
			return false
		}
	}
	p.Iterators = its
	p.Solver = solver.ZigzagMerge{}
	p.Sorted = true
	return true
}

func buildInsertPlan(stmt *sqlparser.Insert, sch *schema.Schema) (*Insert, error) {
	st, err := sch.Store(sqlparser.String(stmt.Table))
	if err != nil {
		return nil, err
	}
	if len(stmt.Columns) == 0 {
		return nil, errors.Annotate(ErrUnsupported, "INSERT without a column list")
	}
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, errors.Annotate(ErrUnsupported, "INSERT from SELECT")
	}

	p := &Insert{Store: st.Name}
	for _, row := range rows {
		if len(row) != len(stmt.Columns) {
			return nil, errors.Errorf("INSERT row has %d values for %d columns", len(row), len(stmt.Columns))
		}
		rec := make(schema.Record, len(row))
		for i, expr := range row {
			v, ok, err := value(expr)
			if err != nil {
				return nil, err
			}
			if ok {
				rec[stmt.Columns[i].String()] = v
			}
		}
		p.Records = append(p.Records, rec)
	}
	return p, nil
}
