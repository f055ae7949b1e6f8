package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
)

// where collects AND-ed conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// rangeOf constrains col to kr. A compound starts-with range becomes a native
// prefix scan over the encoded bytes.
func (w *where) rangeOf(col string, kr *keyrange.KeyRange) {
	if kr == nil {
		return
	}
	if p, ok := kr.ResolvedStartsWith(); ok {
		if prefix, ok := keyrange.EncodePrefix(p); ok {
			w.add(col+" >= ?", prefix)
			if succ := keyrange.PrefixSuccessor(prefix); succ != nil {
				w.add(col+" < ?", succ)
			}
			return
		}
	}
	if lo := kr.Lower(); lo != nil {
		op := " >= ?"
		if kr.LowerOpen() {
			op = " > ?"
		}
		w.add(col+op, keyrange.MustEncodeKey(lo))
	}
	if hi := kr.Upper(); hi != nil {
		op := " <= ?"
		if kr.UpperOpen() {
			op = " < ?"
		}
		w.add(col+op, keyrange.MustEncodeKey(hi))
	}
}

// source reads one store table, or one index table joined to its store.
type source struct {
	tx      *txn
	st      *schema.Store
	index   string
	kr      *keyrange.KeyRange
	keyOnly bool
}

// query builds the statement returning the entry n steps after from.
func (s *source) query(dir iterator.Direction, from cursor.Position, inclusive bool, offset int) (string, []any) {
	kcol, pcol := "s.pk", "s.pk"
	table := storeTable(s.st.Name) + " s"
	if s.index != "" {
		kcol, pcol = "i.k", "i.pk"
		table = indexTable(s.st.Name, s.index) + " i"
		if !s.keyOnly {
			table += " JOIN " + storeTable(s.st.Name) + " s ON s.pk = i.pk"
		}
	}
	value := "NULL"
	if !s.keyOnly {
		value = "s.value"
	}

	var w where
	w.rangeOf(kcol, s.kr)
	gt, ge, order := ">", ">=", "ASC"
	if dir == iterator.Reverse {
		gt, ge, order = "<", "<=", "DESC"
	}
	op := gt
	if inclusive {
		op = ge
	}
	if from.Key != nil {
		k := keyrange.MustEncodeKey(from.Key)
		if s.index != "" && from.PrimaryKey != nil {
			w.add(fmt.Sprintf("(%s %s ? OR (%s = ? AND %s %s ?))", kcol, gt, kcol, pcol, op),
				k, k, keyrange.MustEncodeKey(from.PrimaryKey))
		} else {
			w.add(fmt.Sprintf("%s %s ?", kcol, op), k)
		}
	}
	q := fmt.Sprintf("SELECT %s, %s, %s FROM %s%s ORDER BY %s %s, %s %s LIMIT 1",
		kcol, pcol, value, table, w.clause(), kcol, order, pcol, order)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q, w.args
}

func (s *source) fetch(ctx context.Context, q string, args []any) (cursor.Entry, bool, error) {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if s.tx.scope.Done {
		return cursor.Entry{}, false, errors.Trace(storage.ErrTxDone)
	}
	var (
		kb, pb []byte
		value  sql.NullString
	)
	err := s.tx.tx.QueryRowContext(ctx, q, args...).Scan(&kb, &pb, &value)
	if err == sql.ErrNoRows {
		return cursor.Entry{}, false, nil
	}
	if err != nil {
		return cursor.Entry{}, false, errors.Annotatef(err, "seek %s", s.st.Name)
	}
	var e cursor.Entry
	if e.Key, err = keyrange.DecodeKey(kb); err != nil {
		return cursor.Entry{}, false, err
	}
	if e.PrimaryKey, err = keyrange.DecodeKey(pb); err != nil {
		return cursor.Entry{}, false, err
	}
	if value.Valid {
		if e.Value, err = storage.DecodeRecord([]byte(value.String)); err != nil {
			return cursor.Entry{}, false, err
		}
	}
	return e, true, nil
}

func (s *source) Seek(ctx context.Context, dir iterator.Direction, from cursor.Position, inclusive bool) (cursor.Entry, bool, error) {
	q, args := s.query(dir, from, inclusive, 0)
	return s.fetch(ctx, q, args)
}

// Step skips n-1 rows past from with OFFSET.
func (s *source) Step(ctx context.Context, dir iterator.Direction, from cursor.Position, n int) (cursor.Entry, bool, error) {
	q, args := s.query(dir, from, false, n-1)
	return s.fetch(ctx, q, args)
}

func (s *source) Update(ctx context.Context, pk keyrange.Key, value any) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.tx.scope.CheckWrite(s.st.Name); err != nil {
		return err
	}
	rec, err := storage.AsRecord(s.st, pk, value)
	if err != nil {
		return err
	}
	return s.tx.put(ctx, s.st, pk, rec)
}

func (s *source) Delete(ctx context.Context, pk keyrange.Key) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.tx.scope.CheckWrite(s.st.Name); err != nil {
		return err
	}
	return s.tx.del(ctx, s.st, pk)
}

func (s *source) Close() error { return nil }
