package futures

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	f := New[int]()
	f.Go(func() (int, error) { return 3, nil })
	v, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	<-f.Done()

	boom := errors.New("boom")
	g := Rejected[int](boom)
	_, err = g.Wait()
	assert.Equal(t, boom, err)

	assert.Panics(t, func() { g.Resolve(1) })
}

func TestWaitCtx(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.WaitCtx(ctx)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))

	f.Resolve("ok")
	v, err := f.WaitCtx(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestWaitAllSlice(t *testing.T) {
	fs := []Future[int]{New[int](), New[int]()}
	fs[0].Resolve(1)
	fs[1].Resolve(2)
	vs, err := WaitAllSlice(fs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, vs)

	fs = append(fs, Rejected[int](errors.New("late")))
	_, err = WaitAllSlice(fs)
	assert.Error(t, err)
}
