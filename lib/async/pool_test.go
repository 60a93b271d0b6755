package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/evbus/internal/domain/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolSingleWorkerRunsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool(1, 16)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		n := i
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, pool.Shutdown(context.Background()))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPoolContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPoolRejectsWhenFullOrClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(1, 4, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("kaput") }))
	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.NoError(t, pool.Shutdown(context.Background()))

	require.True(t, ran.Load(), "worker must survive a panicking task")
	require.Len(t, reported, 2)
	require.ErrorIs(t, reported[0], boom)
	require.True(t, errs.HasCode(reported[1], errs.CodeHandler))
}

func TestShutdownDeadlineCancelsRunningTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool(1, 1)
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
