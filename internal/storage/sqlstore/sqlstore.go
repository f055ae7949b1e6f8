// Package sqlstore keeps stores in SQLite tables. Keys are stored as
// memcomparable BLOBs so SQLite's byte ordering matches key ordering.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Store implements storage.Engine on a database/sql handle.
type Store struct {
	db     *sql.DB
	schema *schema.Schema
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func storeTable(store string) string {
	return quote("s_" + store)
}

func indexTable(store, index string) string {
	return quote("i_" + store + "_" + index)
}

// Open opens dsn and creates the tables of sch. Connections are limited to
// one, which also keeps ":memory:" databases shared.
func Open(dsn string, sch *schema.Schema) (*Store, error) {
	if err := sch.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "open sqlite %q", dsn)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, schema: sch}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", zap.String("dsn", dsn), zap.Int("stores", len(sch.Stores)))
	return s, nil
}

func (s *Store) init() error {
	for _, st := range s.schema.Stores {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (pk BLOB PRIMARY KEY, value TEXT NOT NULL)`, storeTable(st.Name)),
		}
		for _, ix := range st.Indexes {
			t := indexTable(st.Name, ix.Name)
			stmts = append(stmts,
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k BLOB NOT NULL, pk BLOB NOT NULL, PRIMARY KEY (k, pk))`, t),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (pk)`, quote("p_"+st.Name+"_"+ix.Name), t),
			)
		}
		for _, q := range stmts {
			if _, err := s.db.Exec(q); err != nil {
				return errors.Annotatef(err, "create tables of %q", st.Name)
			}
		}
	}
	return nil
}

func (s *Store) Name() string           { return "sqlite" }
func (s *Store) Schema() *schema.Schema { return s.schema }
func (s *Store) Close() error           { return errors.Trace(s.db.Close()) }

func (s *Store) Begin(ctx context.Context, stores []string, mode storage.Mode) (storage.Tx, error) {
	if err := storage.CheckStores(s.schema, stores); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &txn{store: s, tx: tx, scope: storage.NewScope(stores, mode)}, nil
}

type txn struct {
	store *Store
	mu    sync.Mutex
	tx    *sql.Tx
	scope storage.Scope
}

func (t *txn) Stores() []string   { return t.scope.Stores }
func (t *txn) Mode() storage.Mode { return t.scope.Mode }

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scope.Done {
		return errors.Trace(storage.ErrTxDone)
	}
	t.scope.Done = true
	return errors.Trace(t.tx.Commit())
}

func (t *txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scope.Done {
		return nil
	}
	t.scope.Done = true
	return errors.Trace(t.tx.Rollback())
}

func (t *txn) Put(ctx context.Context, store string, rec schema.Record) (keyrange.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckWrite(store); err != nil {
		return nil, err
	}
	st, _ := t.store.schema.Store(store)
	pk, err := st.PrimaryKey(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pk, t.put(ctx, st, pk, rec)
}

// put writes rec and refiles its index rows. Callers hold t.mu.
func (t *txn) put(ctx context.Context, st *schema.Store, pk keyrange.Key, rec schema.Record) error {
	pkEnc := keyrange.MustEncodeKey(pk)
	keys := storage.IndexKeys(st, rec)
	for _, ix := range st.Indexes {
		k, ok := keys[ix.Name]
		if !ok || !ix.Unique {
			continue
		}
		var other []byte
		err := t.tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT pk FROM %s WHERE k = ? AND pk <> ? LIMIT 1`, indexTable(st.Name, ix.Name)),
			keyrange.MustEncodeKey(k), pkEnc).Scan(&other)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return errors.Trace(err)
		default:
			holder, _ := keyrange.DecodeKey(other)
			return errors.Annotatef(storage.ErrConstraint, "unique index %q of %q: key %v already held by %v", ix.Name, st.Name, k, holder)
		}
	}
	value, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := t.unindex(ctx, st, pkEnc); err != nil {
		return err
	}
	for name, k := range keys {
		if _, err := t.tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (k, pk) VALUES (?, ?)`, indexTable(st.Name, name)),
			keyrange.MustEncodeKey(k), pkEnc); err != nil {
			return errors.Trace(err)
		}
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (pk, value) VALUES (?, ?)`, storeTable(st.Name)),
		pkEnc, string(value))
	return errors.Trace(err)
}

func (t *txn) unindex(ctx context.Context, st *schema.Store, pkEnc []byte) error {
	for _, ix := range st.Indexes {
		if _, err := t.tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, indexTable(st.Name, ix.Name)), pkEnc); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *txn) del(ctx context.Context, st *schema.Store, pk keyrange.Key) error {
	pkEnc := keyrange.MustEncodeKey(pk)
	if err := t.unindex(ctx, st, pkEnc); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, storeTable(st.Name)), pkEnc)
	return errors.Trace(err)
}

func (t *txn) Get(ctx context.Context, store string, pk keyrange.Key) (schema.Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckRead(store); err != nil {
		return nil, false, err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	var value string
	err = t.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE pk = ?`, storeTable(store)),
		keyrange.MustEncodeKey(pk)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	rec, err := storage.DecodeRecord([]byte(value))
	return rec, err == nil, err
}

func (t *txn) Delete(ctx context.Context, store string, pk keyrange.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckWrite(store); err != nil {
		return err
	}
	pk, err := keyrange.Normalize(pk)
	if err != nil {
		return errors.Trace(err)
	}
	st, _ := t.store.schema.Store(store)
	return t.del(ctx, st, pk)
}

func (t *txn) Count(ctx context.Context, store string, kr *keyrange.KeyRange) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckRead(store); err != nil {
		return 0, err
	}
	var w where
	w.rangeOf("pk", kr)
	var n int
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, storeTable(store), w.clause()), w.args...).Scan(&n)
	return n, errors.Trace(err)
}

func (t *txn) OpenCursor(_ context.Context, it *iterator.Iterator) (cursor.Adapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.scope.CheckRead(it.Store()); err != nil {
		return nil, err
	}
	st, ix, err := storage.Resolve(t.store.schema, it)
	if err != nil {
		return nil, err
	}
	src := &source{tx: t, st: st, kr: it.Range(), keyOnly: it.IsKeyOnly()}
	if ix != nil {
		src.index = ix.Name
	}
	return cursor.NewAdapter(src, it), nil
}
