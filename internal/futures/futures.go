// Package futures carries results across the asynchronous boundary of the
// request queue and the scan driver.
package futures

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
)

type future[T any] struct {
	sync.Mutex

	done     chan struct{}
	result   T
	err      error
	resolved bool
}

func New[T any]() Future[T] {
	return &future[T]{done: make(chan struct{})}
}

// Rejected returns a future already failed with err.
func Rejected[T any](err error) Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

func (f *future[T]) Go(fn func() (T, error)) {
	go func() {
		f.ResolveOrReject(fn())
	}()
}

func (f *future[T]) Resolve(result T) {
	f.ResolveOrReject(result, nil)
}

func (f *future[T]) Reject(err error) {
	var zero T
	f.ResolveOrReject(zero, err)
}

func (f *future[T]) ResolveOrReject(result T, err error) {
	f.Lock()
	defer f.Unlock()

	if f.resolved {
		panic("future resolved multiple times")
	}

	f.resolved = true
	f.result = result
	f.err = err
	close(f.done)
}

func (f *future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *future[T]) Wait() (result T, err error) {
	<-f.done
	return f.result, f.err
}

func (f *future[T]) WaitCtx(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.Trace(ctx.Err())
	case <-f.done:
		return f.result, f.err
	}
}

// WaitAllSlice waits for every future and fails with the first error.
func WaitAllSlice[T any](futures []Future[T]) ([]T, error) {
	results := make([]T, 0, len(futures))
	for i, fut := range futures {
		result, err := fut.Wait()
		if err != nil {
			return nil, errors.Annotatef(err, "future at index %d", i)
		}
		results = append(results, result)
	}

	return results, nil
}
