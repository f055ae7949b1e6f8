package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/myuser/cursordb/internal/futures"
	"github.com/myuser/cursordb/internal/metrics"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/panjf2000/ants/v2"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrQueueOverflow rejects a pending request dropped to make room.
	ErrQueueOverflow = errors.New("request queue overflow")
	// ErrQueueClosed rejects requests pending on, or sent to, a closed queue.
	ErrQueueClosed = errors.New("request queue closed")
	// ErrAborted rejects requests whose transaction aborted.
	ErrAborted = errors.New("transaction aborted")
)

// Request is one unit of work for a queue.
type Request struct {
	Stores []string
	Mode   storage.Mode
	// Label names the request in logs.
	Label string
	// Fresh asks for a transaction of its own instead of joining the active one.
	Fresh bool
	Fn    func(ctx context.Context, tx storage.Tx) error
	// OnCompleted hears how the request's transaction ended. It is also
	// called with Error when the request is dropped or never runs.
	OnCompleted OnComplete
}

type entry struct {
	ctx context.Context
	req Request
	fut futures.Future[struct{}]
	err error
}

// session is the run of one native transaction: the requests attached to it
// execute one after another.
type session struct {
	scope   storage.Scope
	work    []*entry
	ran     []*entry
	closing bool
}

type Option func(*Queue)

// WithMaxPending bounds the requests waiting for a transaction. The oldest
// is dropped past n. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

// WithWorkers sizes the pool the queue creates for itself.
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

// WithPool runs sessions on a pool shared with other queues. The queue does
// not release it.
func WithPool(p *ants.Pool) Option {
	return func(q *Queue) { q.pool = p }
}

// Queue serializes requests of one logical execution context onto its Mutex.
type Queue struct {
	name       string
	engine     storage.Engine
	mutex      *Mutex
	maxPending int
	workers    int
	pool       *ants.Pool
	ownPool    bool

	mu      sync.Mutex
	pending []*entry
	session *session
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue(name string, engine storage.Engine, opts ...Option) (*Queue, error) {
	q := &Queue{
		name:    name,
		engine:  engine,
		mutex:   NewMutex(),
		workers: 1,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxPending < 0 || q.workers <= 0 {
		return nil, errors.Errorf("queue %q: invalid max pending %d or workers %d", name, q.maxPending, q.workers)
	}
	if q.pool == nil {
		pool, err := ants.NewPool(q.workers, ants.WithPanicHandler(func(v any) {
			log.Error("request queue session panicked", zap.String("queue", name), zap.Any("panic", v))
		}))
		if err != nil {
			return nil, errors.Trace(err)
		}
		q.pool = pool
		q.ownPool = true
	}
	return q, nil
}

func (q *Queue) Name() string { return q.name }

// Mutex exposes the queue's transaction mutex.
func (q *Queue) Mutex() *Mutex { return q.mutex }

// Pending is the number of requests waiting for a transaction.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run schedules req. It joins the active transaction when its scope allows
// and nothing is waiting ahead of it; otherwise it waits for a transaction of
// its own. The future settles after that transaction finished and the mutex
// went Idle.
func (q *Queue) Run(ctx context.Context, req Request) futures.Future[struct{}] {
	if req.Fn == nil {
		return futures.Rejected[struct{}](errors.Errorf("queue %q: request %q without a function", q.name, req.Label))
	}
	e := &entry{ctx: ctx, req: req, fut: futures.New[struct{}]()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return futures.Rejected[struct{}](errors.Trace(ErrQueueClosed))
	}
	if s := q.session; s != nil {
		if req.Fresh {
			q.mutex.Lock()
		} else if len(q.pending) == 0 && !s.closing && q.mutex.SubScope(req.Stores, req.Mode) {
			q.attachLocked(s, e)
			q.mu.Unlock()
			return e.fut
		}
		q.pending = append(q.pending, e)
		dropped := q.trimLocked()
		q.mu.Unlock()
		for _, d := range dropped {
			q.drop(d)
		}
		return e.fut
	}
	s := q.startLocked(e)
	q.mu.Unlock()
	q.submit(s)
	return e.fut
}

func (q *Queue) attachLocked(s *session, e *entry) {
	s.work = append(s.work, e)
	if err := q.mutex.OnComplete(e.req.OnCompleted); err != nil {
		log.Warn("attach to idle mutex", zap.String("queue", q.name), zap.Error(err))
	}
	metrics.TxnReused.Inc()
}

func (q *Queue) trimLocked() []*entry {
	if q.maxPending == 0 || len(q.pending) <= q.maxPending {
		return nil
	}
	n := len(q.pending) - q.maxPending
	dropped := append([]*entry(nil), q.pending[:n]...)
	q.pending = append(q.pending[:0], q.pending[n:]...)
	return dropped
}

func (q *Queue) drop(e *entry) {
	log.Warn("request queue overflow, dropping oldest request",
		zap.String("queue", q.name),
		zap.String("label", e.req.Label),
		zap.Int("max-pending", q.maxPending))
	metrics.QueueDropped.Inc()
	q.fail(e, errors.Annotatef(ErrQueueOverflow, "queue %q", q.name))
}

func (q *Queue) fail(e *entry, err error) {
	notify(e.req.Label, e.req.OnCompleted, Error, err)
	e.fut.Reject(err)
}

func (q *Queue) startLocked(head *entry) *session {
	s := &session{
		scope: storage.NewScope(head.req.Stores, head.req.Mode),
		work:  []*entry{head},
	}
	q.session = s
	q.wg.Add(1)
	return s
}

func (q *Queue) submit(s *session) {
	err := q.pool.Submit(func() {
		defer q.wg.Done()
		for s != nil {
			q.runSession(s)
			s = q.next()
		}
	})
	if err == nil {
		return
	}
	q.wg.Done()
	q.mu.Lock()
	failed := append(s.work, q.pending...)
	s.work = nil
	q.pending = nil
	q.session = nil
	q.mu.Unlock()
	for _, e := range failed {
		q.fail(e, errors.Annotatef(err, "queue %q", q.name))
	}
}

// next starts the oldest pending request, if any.
func (q *Queue) next() *session {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session = nil
	if q.closed || len(q.pending) == 0 {
		return nil
	}
	head := q.pending[0]
	q.pending = q.pending[1:]
	s := q.startLocked(head)
	// the loop in submit owns this session, not a new pool task
	q.wg.Done()
	return s
}

func (q *Queue) runSession(s *session) {
	head := s.work[0]
	start := time.Now()
	tx, err := q.engine.Begin(head.ctx, s.scope.Stores, s.scope.Mode)
	if err != nil {
		q.mu.Lock()
		failed := s.work
		s.work = nil
		s.closing = true
		q.mu.Unlock()
		err = errors.Annotatef(err, "queue %q: begin %s %v", q.name, s.scope.Mode, s.scope.Stores)
		for _, e := range failed {
			q.fail(e, err)
		}
		return
	}
	metrics.TxnOpened.WithLabelValues(s.scope.Mode.String()).Inc()
	log.Debug("transaction opened",
		zap.String("queue", q.name),
		zap.String("label", head.req.Label),
		zap.Stringer("mode", s.scope.Mode),
		zap.Strings("stores", s.scope.Stores))

	q.mu.Lock()
	if err := q.mutex.Up(tx, s.scope.Stores, s.scope.Mode, head.req.Label, head.req.OnCompleted); err != nil {
		// another session holds the mutex; only a bug gets here
		q.mu.Unlock()
		log.Error("transaction mutex busy", zap.String("queue", q.name), zap.Error(err))
		_ = tx.Abort()
		for _, e := range s.work {
			e.fut.Reject(err)
		}
		return
	}
	for len(q.pending) > 0 && !q.pending[0].req.Fresh && q.mutex.SubScope(q.pending[0].req.Stores, q.pending[0].req.Mode) {
		q.attachLocked(s, q.pending[0])
		q.pending = q.pending[1:]
	}
	q.mu.Unlock()

	var failure error
	for {
		q.mu.Lock()
		if len(s.work) == 0 {
			s.closing = true
			q.mu.Unlock()
			break
		}
		e := s.work[0]
		s.work = s.work[1:]
		q.mu.Unlock()

		s.ran = append(s.ran, e)
		if err := e.ctx.Err(); err != nil {
			e.err = errors.Trace(err)
			continue
		}
		if err := call(e, tx); err != nil {
			e.err = err
			failure = err
			q.mu.Lock()
			s.closing = true
			s.ran = append(s.ran, s.work...)
			s.work = nil
			q.mu.Unlock()
			break
		}
	}

	ct, cause := Complete, error(nil)
	if failure != nil {
		ct, cause = Abort, failure
		if err := tx.Abort(); err != nil {
			log.Warn("abort failed", zap.String("queue", q.name), zap.Error(err))
		}
	} else if err := tx.Commit(); err != nil {
		ct, cause = Error, errors.Trace(err)
	}
	metrics.TxnCompleted.WithLabelValues(ct.String()).Inc()
	log.Debug("transaction finished",
		zap.String("queue", q.name),
		zap.String("label", head.req.Label),
		zap.Stringer("type", ct),
		zap.Int("requests", len(s.ran)),
		zap.Duration("took", time.Since(start)),
		zap.Error(cause))

	q.mutex.Down(ct, cause)
	for _, e := range s.ran {
		settle(e, ct, cause)
	}
}

func call(e *entry, tx storage.Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("request %q panicked: %v", e.req.Label, r)
		}
	}()
	return e.req.Fn(e.ctx, tx)
}

func settle(e *entry, ct CompletionType, cause error) {
	switch {
	case e.err != nil:
		e.fut.Reject(e.err)
	case ct == Complete:
		e.fut.Resolve(struct{}{})
	case ct == Abort:
		e.fut.Reject(errors.Annotate(ErrAborted, cause.Error()))
	default:
		e.fut.Reject(cause)
	}
}

// Close rejects pending requests, waits for the active transaction to
// finish and releases the queue's own pool.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range dropped {
		q.fail(e, errors.Annotatef(ErrQueueClosed, "queue %q", q.name))
	}
	q.wg.Wait()
	if q.ownPool {
		if err := q.pool.ReleaseTimeout(3 * time.Second); err != nil {
			log.Warn("release queue pool", zap.String("queue", q.name), zap.Error(err))
		}
	}
}

// Do runs fn as a request and carries its result.
func Do[T any](ctx context.Context, q *Queue, stores []string, mode storage.Mode, fn func(ctx context.Context, tx storage.Tx) (T, error)) futures.Future[T] {
	var result T
	done := q.Run(ctx, Request{
		Stores: stores,
		Mode:   mode,
		Label:  fmt.Sprintf("do %v", stores),
		Fn: func(ctx context.Context, tx storage.Tx) error {
			var err error
			result, err = fn(ctx, tx)
			return err
		},
	})
	out := futures.New[T]()
	out.Go(func() (T, error) {
		if _, err := done.Wait(); err != nil {
			var zero T
			return zero, err
		}
		return result, nil
	})
	return out
}
