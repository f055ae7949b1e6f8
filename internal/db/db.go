// Package db wires a configured backend, its request queues, the scan driver
// and the SQL executor into one handle.
package db

import (
	"context"
	"sync"
	"time"

	"github.com/myuser/cursordb/internal/config"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/scan"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/myuser/cursordb/internal/sql"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/storage/btreestore"
	"github.com/myuser/cursordb/internal/storage/memstore"
	"github.com/myuser/cursordb/internal/storage/sqlstore"
	"github.com/myuser/cursordb/internal/txn"
	"github.com/panjf2000/ants/v2"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrClosed is returned by a DB after Close.
var ErrClosed = errors.New("db closed")

type DB struct {
	cfg    *config.Config
	schema *schema.Schema
	engine storage.Engine
	pool   *ants.Pool
	queue  *txn.Queue
	driver *scan.Driver
	exec   *sql.Executor
	solver solver.Solver

	mu     sync.Mutex
	queues []*txn.Queue
	closed bool
}

// InitLogger installs cfg's logger as the global one.
func InitLogger(cfg *config.Config) error {
	lg, props, err := log.InitLogger(&cfg.Log)
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func openEngine(cfg *config.Config, sch *schema.Schema) (storage.Engine, error) {
	switch cfg.Backend {
	case config.BackendBTree:
		return btreestore.Open(sch)
	case config.BackendMemory:
		return memstore.Open(sch)
	case config.BackendSQLite:
		return sqlstore.Open(cfg.DSN, sch)
	}
	return nil, errors.Errorf("unknown backend %q", cfg.Backend)
}

// Open validates cfg and opens its backend. Logging is left to InitLogger.
func Open(cfg *config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	s, err := solver.ByName(cfg.Scan.DefaultSolver)
	if err != nil {
		return nil, err
	}
	sch := cfg.Schema()
	engine, err := openEngine(cfg, sch)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s backend", cfg.Backend)
	}
	pool, err := ants.NewPool(cfg.Queue.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("db worker panicked", zap.Any("panic", v))
	}))
	if err != nil {
		engine.Close()
		return nil, errors.Trace(err)
	}

	d := &DB{cfg: cfg, schema: sch, engine: engine, pool: pool, solver: s}
	if d.queue, err = d.NewQueue("default"); err != nil {
		d.Close()
		return nil, err
	}
	d.driver = scan.NewDriver(d.queue)
	d.exec = sql.NewExecutor(d.queue, d.driver)
	log.Info("db opened",
		zap.String("backend", engine.Name()),
		zap.Int("stores", len(sch.Stores)),
		zap.Int("workers", cfg.Queue.Workers))
	return d, nil
}

// NewQueue opens another request queue on the DB's backend. Its sessions run
// on the shared worker pool; it is closed with the DB.
func (d *DB) NewQueue(name string) (*txn.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Trace(ErrClosed)
	}
	q, err := txn.NewQueue(name, d.engine,
		txn.WithPool(d.pool),
		txn.WithMaxPending(d.cfg.Queue.MaxPending))
	if err != nil {
		return nil, err
	}
	d.queues = append(d.queues, q)
	return q, nil
}

func (d *DB) Queue() *txn.Queue            { return d.queue }
func (d *DB) Schema() *schema.Schema       { return d.schema }
func (d *DB) Engine() storage.Engine       { return d.engine }
func (d *DB) Config() *config.Config       { return d.cfg }
func (d *DB) DefaultSolver() solver.Solver { return d.solver }

// Put writes recs to store in one readwrite transaction and returns their
// primary keys.
func (d *DB) Put(ctx context.Context, store string, recs ...schema.Record) ([]keyrange.Key, error) {
	return txn.Do(ctx, d.queue, []string{store}, storage.ReadWrite, func(ctx context.Context, tx storage.Tx) ([]keyrange.Key, error) {
		pks := make([]keyrange.Key, 0, len(recs))
		for _, rec := range recs {
			pk, err := tx.Put(ctx, store, rec)
			if err != nil {
				return nil, err
			}
			pks = append(pks, pk)
		}
		return pks, nil
	}).Wait()
}

type lookup struct {
	rec   schema.Record
	found bool
}

func (d *DB) Get(ctx context.Context, store string, pk keyrange.Key) (schema.Record, bool, error) {
	res, err := txn.Do(ctx, d.queue, []string{store}, storage.ReadOnly, func(ctx context.Context, tx storage.Tx) (lookup, error) {
		rec, ok, err := tx.Get(ctx, store, pk)
		return lookup{rec: rec, found: ok}, err
	}).Wait()
	return res.rec, res.found, err
}

func (d *DB) Delete(ctx context.Context, store string, pk keyrange.Key) error {
	_, err := txn.Do(ctx, d.queue, []string{store}, storage.ReadWrite, func(ctx context.Context, tx storage.Tx) (struct{}, error) {
		return struct{}{}, tx.Delete(ctx, store, pk)
	}).Wait()
	return err
}

// Count counts the records of store whose primary key is in kr.
func (d *DB) Count(ctx context.Context, store string, kr *keyrange.KeyRange) (int, error) {
	return txn.Do(ctx, d.queue, []string{store}, storage.ReadOnly, func(ctx context.Context, tx storage.Tx) (int, error) {
		return tx.Count(ctx, store, kr)
	}).Wait()
}

// Scan runs a scan and waits for it. A nil solver means the configured
// default; the configured round cap applies unless opts override it.
func (d *DB) Scan(ctx context.Context, its []*iterator.Iterator, s solver.Solver, opts ...scan.Option) (*scan.Result, error) {
	if s == nil {
		s = d.solver
	}
	if d.cfg.Scan.MaxRounds > 0 {
		opts = append([]scan.Option{scan.WithMaxRounds(d.cfg.Scan.MaxRounds)}, opts...)
	}
	return d.driver.Scan(ctx, its, s, opts...).WaitCtx(ctx)
}

// Query parses, plans and executes one SQL statement.
func (d *DB) Query(ctx context.Context, query string) ([]sql.Row, error) {
	start := time.Now()
	plan, err := sql.ParseToPlan(query, d.schema)
	if err != nil {
		return nil, err
	}
	rows, err := d.exec.Execute(ctx, plan)
	if err != nil {
		return nil, errors.Annotatef(err, "execute %s", plan)
	}
	log.Debug("query executed",
		zap.String("query", query),
		zap.Stringer("plan", plan),
		zap.Int("rows", len(rows)),
		zap.Duration("took", time.Since(start)))
	return rows, nil
}

// Close drains every queue, then releases the pool and the backend.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	if err := d.pool.ReleaseTimeout(3 * time.Second); err != nil {
		log.Warn("release db pool", zap.Error(err))
	}
	return errors.Trace(d.engine.Close())
}
