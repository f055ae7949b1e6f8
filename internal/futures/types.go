package futures

import "context"

// Future is the result of work that completes later, such as a request
// waiting for its transaction to finish.
type Future[T any] interface {
	Go(func() (T, error))
	Resolve(result T)
	Reject(err error)
	ResolveOrReject(result T, err error)
	// Wait blocks until the future is settled.
	Wait() (result T, err error)
	// WaitCtx is Wait that gives up when ctx is done. The work itself goes on.
	WaitCtx(ctx context.Context) (result T, err error)
	// Done is closed once the future is settled.
	Done() <-chan struct{}
}
