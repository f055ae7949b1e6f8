// Package txn schedules requests onto native transactions: a Mutex guards the
// one live transaction of a logical queue, and a Queue feeds it requests in
// FIFO order.
package txn

import (
	"sort"
	"sync"

	"github.com/myuser/cursordb/internal/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrInvalidState is returned by Up on an Active mutex and by listener
// registration on an Idle one.
var ErrInvalidState = errors.New("invalid transaction mutex state")

// CompletionType tells listeners how a transaction ended.
type CompletionType int

const (
	Complete CompletionType = iota
	Abort
	Error
)

func (c CompletionType) String() string {
	switch c {
	case Complete:
		return "complete"
	case Abort:
		return "abort"
	default:
		return "error"
	}
}

// OnComplete is a completion listener. err is nil for Complete.
type OnComplete func(CompletionType, error)

// Mutex is Idle or Active(scope, tx). It never holds two transactions.
type Mutex struct {
	mu sync.RWMutex

	tx        storage.Tx
	scope     storage.Scope
	label     string
	locked    bool
	listeners []OnComplete
	txCount   int
}

func NewMutex() *Mutex {
	return &Mutex{}
}

// Up makes the mutex Active over tx.
func (m *Mutex) Up(tx storage.Tx, stores []string, mode storage.Mode, label string, onComplete OnComplete) error {
	if tx == nil {
		return errors.Annotate(ErrInvalidState, "up without a transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		return errors.Annotatef(ErrInvalidState, "up %q while %q is active", label, m.label)
	}
	m.tx = tx
	m.scope = storage.NewScope(stores, mode)
	m.label = label
	m.locked = false
	m.listeners = m.listeners[:0]
	if onComplete != nil {
		m.listeners = append(m.listeners, onComplete)
	}
	m.txCount++
	return nil
}

// OnComplete registers one more listener on the active transaction.
func (m *Mutex) OnComplete(cb OnComplete) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return errors.Annotate(ErrInvalidState, "listener on idle mutex")
	}
	if cb != nil {
		m.listeners = append(m.listeners, cb)
	}
	return nil
}

// Down makes the mutex Idle, then calls and drops its listeners. Listener
// panics are logged and swallowed.
func (m *Mutex) Down(ct CompletionType, cause error) {
	m.mu.Lock()
	if m.tx == nil {
		m.mu.Unlock()
		log.Warn("down on idle transaction mutex", zap.Stringer("type", ct))
		return
	}
	label := m.label
	listeners := m.listeners
	m.tx = nil
	m.scope = storage.Scope{}
	m.label = ""
	m.locked = false
	m.listeners = nil
	m.mu.Unlock()

	for _, cb := range listeners {
		notify(label, cb, ct, cause)
	}
}

func notify(label string, cb OnComplete, ct CompletionType, cause error) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("completion listener panicked",
				zap.String("label", label),
				zap.Stringer("type", ct),
				zap.Any("panic", r))
		}
	}()
	cb(ct, cause)
}

// Lock keeps the mutex Active but refuses further reuse.
func (m *Mutex) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		m.locked = true
	}
}

// SameScope reports whether a request over exactly stores in mode can reuse
// the active transaction.
func (m *Mutex) SameScope(stores []string, mode storage.Mode) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tx == nil || m.locked || mode != m.scope.Mode {
		return false
	}
	want := storage.NewScope(stores, mode)
	if len(want.Stores) != len(m.scope.Stores) {
		return false
	}
	for i := range want.Stores {
		if want.Stores[i] != m.scope.Stores[i] {
			return false
		}
	}
	return true
}

// SubScope is SameScope that also accepts a subset of the active stores, and
// a readonly request inside a readwrite transaction.
func (m *Mutex) SubScope(stores []string, mode storage.Mode) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tx == nil || m.locked || len(stores) == 0 {
		return false
	}
	if mode == storage.ReadWrite && m.scope.Mode != storage.ReadWrite {
		return false
	}
	for _, s := range stores {
		i := sort.SearchStrings(m.scope.Stores, s)
		if i == len(m.scope.Stores) || m.scope.Stores[i] != s {
			return false
		}
	}
	return true
}

func (m *Mutex) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tx != nil
}

func (m *Mutex) IsLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked
}

// Tx returns the active transaction, nil when Idle.
func (m *Mutex) Tx() storage.Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tx
}

func (m *Mutex) Scope() storage.Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return storage.Scope{Stores: append([]string(nil), m.scope.Stores...), Mode: m.scope.Mode}
}

func (m *Mutex) Mode() storage.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scope.Mode
}

func (m *Mutex) Label() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.label
}

// TxCount is the number of transactions this mutex has held.
func (m *Mutex) TxCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txCount
}
