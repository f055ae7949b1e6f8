// Package scan drives joined cursors with a solver inside one transaction.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/myuser/cursordb/internal/cursor"
	"github.com/myuser/cursordb/internal/futures"
	"github.com/myuser/cursordb/internal/iterator"
	"github.com/myuser/cursordb/internal/keyrange"
	"github.com/myuser/cursordb/internal/metrics"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Match is one emitted primary key with the slots' state at emission.
type Match struct {
	PrimaryKey  keyrange.Key
	Keys        []keyrange.Key
	PrimaryKeys []keyrange.Key
	Values      []any
}

// Result is what a finished scan reports.
type Result struct {
	// Count is the number of solver rounds.
	Count   int
	Matches []Match
	// Positions are the slots' positions when the scan ended. Passing them
	// to WithResume continues the scan.
	Positions []cursor.Position
}

// MatchFunc sees each match before the solver's follow-up moves. It may
// update or clear records through j when the scan is readwrite.
type MatchFunc func(ctx context.Context, m Match, j *cursor.Joined) error

type options struct {
	limit     int
	maxRounds int
	resume    []cursor.Position
	readWrite bool
	onMatch   MatchFunc
}

type Option func(*options)

// WithLimit ends the scan after n matches.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithMaxRounds ends the scan after n solver rounds. Zero is unbounded.
func WithMaxRounds(n int) Option {
	return func(o *options) { o.maxRounds = n }
}

// WithResume starts every slot at a position saved by an earlier scan.
func WithResume(positions []cursor.Position) Option {
	return func(o *options) { o.resume = positions }
}

// WithReadWrite runs the scan in a readwrite transaction.
func WithReadWrite() Option {
	return func(o *options) { o.readWrite = true }
}

func WithOnMatch(fn MatchFunc) Option {
	return func(o *options) { o.onMatch = fn }
}

// Driver runs scans on a request queue.
type Driver struct {
	queue *txn.Queue
}

func NewDriver(q *txn.Queue) *Driver {
	return &Driver{queue: q}
}

// Scan intersects its with s. The future settles once the scan's
// transaction finished; on failure the cursors are already disposed and the
// transaction released.
func (d *Driver) Scan(ctx context.Context, its []*iterator.Iterator, s solver.Solver, opts ...Option) futures.Future[*Result] {
	if len(its) == 0 {
		return futures.Rejected[*Result](errors.Annotate(iterator.ErrArgument, "scan needs at least one iterator"))
	}
	if s == nil {
		return futures.Rejected[*Result](errors.Annotate(iterator.ErrArgument, "scan needs a solver"))
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit < 0 || o.maxRounds < 0 {
		return futures.Rejected[*Result](errors.Annotatef(iterator.ErrArgument, "limit %d, max rounds %d", o.limit, o.maxRounds))
	}
	mode := storage.ReadOnly
	if o.readWrite {
		mode = storage.ReadWrite
	}

	r := &run{its: its, solver: s, opts: o, res: &Result{}}
	done := d.queue.Run(ctx, txn.Request{
		Stores: iterator.Stores(its...),
		Mode:   mode,
		Label:  fmt.Sprintf("scan %s over %d iterators", s.Name(), len(its)),
		Fn:     r.exec,
	})
	out := futures.New[*Result]()
	out.Go(func() (*Result, error) {
		if _, err := done.Wait(); err != nil {
			metrics.ScanFailed.Inc()
			log.Warn("scan failed",
				zap.String("solver", s.Name()),
				zap.Int("rounds", r.res.Count),
				zap.Error(err))
			return nil, err
		}
		return r.res, nil
	})
	return out
}

type run struct {
	its    []*iterator.Iterator
	solver solver.Solver
	opts   options
	res    *Result
	joined *cursor.Joined
}

func (r *run) exec(ctx context.Context, tx storage.Tx) error {
	start := time.Now()
	adapters := make([]cursor.Adapter, 0, len(r.its))
	for _, it := range r.its {
		a, err := tx.OpenCursor(ctx, it)
		if err != nil {
			for _, a := range adapters {
				_ = a.Dispose()
			}
			return errors.Trace(err)
		}
		adapters = append(adapters, a)
	}
	j, err := cursor.NewJoined(adapters, r.opts.resume)
	if err != nil {
		for _, a := range adapters {
			_ = a.Dispose()
		}
		return errors.Trace(err)
	}
	r.joined = j
	defer func() {
		r.res.Positions = j.Dispose()
		metrics.ScanDuration.WithLabelValues(r.solver.Name()).Observe(time.Since(start).Seconds())
	}()

	if err := j.Init(ctx); err != nil {
		return err
	}
	for !j.Done() {
		if r.opts.maxRounds > 0 && r.res.Count >= r.opts.maxRounds {
			break
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		d := r.solver.Solve(j.Keys(), j.PrimaryKeys())
		r.res.Count++
		metrics.ScanRounds.WithLabelValues(r.solver.Name()).Inc()
		if err := solver.Validate(d, j.Len()); err != nil {
			return errors.Annotatef(err, "solver %s round %d", r.solver.Name(), r.res.Count)
		}
		stop, err := r.apply(ctx, d)
		if err != nil || stop {
			return err
		}
		if r.opts.limit > 0 && len(r.res.Matches) >= r.opts.limit {
			break
		}
	}
	log.Debug("scan finished",
		zap.String("solver", r.solver.Name()),
		zap.Int("rounds", r.res.Count),
		zap.Int("matches", len(r.res.Matches)),
		zap.Bool("done", j.Done()))
	return nil
}

// apply carries out one directive. It reports whether the scan stops.
func (r *run) apply(ctx context.Context, d solver.Directive) (bool, error) {
	j := r.joined
	moves := make([]cursor.Move, j.Len())
	switch d := d.(type) {
	case solver.Stop:
		return true, nil
	case solver.Emit:
		if err := r.emit(ctx, d.Key); err != nil {
			return true, err
		}
		return r.apply(ctx, d.Then)
	case solver.Advance:
		for i, n := range d.Steps {
			if n > 0 {
				i, n := i, n
				moves[i] = func(ctx context.Context) error { return j.Advance(ctx, i, n) }
			}
		}
	case solver.SeekEffectiveKey:
		for i, k := range d.Targets {
			if k != nil {
				i, k := i, k
				moves[i] = func(ctx context.Context) error { return j.ContinueEffectiveKey(ctx, i, k) }
			}
		}
	case solver.SeekPrimaryKey:
		for i, k := range d.Targets {
			if k != nil {
				i, k := i, k
				moves[i] = func(ctx context.Context) error { return j.SeekPrimaryKey(ctx, i, k) }
			}
		}
	case solver.Restart:
		for i, ok := range d.Slots {
			if ok {
				i := i
				moves[i] = func(ctx context.Context) error { return j.Restart(ctx, i) }
			}
		}
	default:
		return true, errors.Annotatef(solver.ErrMalformedDirective, "unknown directive %T", d)
	}
	return false, j.Apply(ctx, moves)
}

func (r *run) emit(ctx context.Context, pk keyrange.Key) error {
	j := r.joined
	m := Match{
		PrimaryKey:  keyrange.Clone(pk),
		Keys:        cloneKeys(j.Keys()),
		PrimaryKeys: cloneKeys(j.PrimaryKeys()),
		Values:      j.Values(),
	}
	if r.opts.onMatch != nil {
		if err := r.opts.onMatch(ctx, m, j); err != nil {
			return errors.Annotatef(err, "match %v", pk)
		}
	}
	r.res.Matches = append(r.res.Matches, m)
	metrics.ScanMatches.WithLabelValues(r.solver.Name()).Inc()
	return nil
}

func cloneKeys(ks []keyrange.Key) []keyrange.Key {
	for i, k := range ks {
		ks[i] = keyrange.Clone(k)
	}
	return ks
}

// PrimaryKeys lists the emitted primary keys in emission order.
func (r *Result) PrimaryKeys() []keyrange.Key {
	out := make([]keyrange.Key, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.PrimaryKey
	}
	return out
}
