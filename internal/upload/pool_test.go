package upload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2, nil)
	var running, peak atomic.Int64

	chans := make([]<-chan error, 0, 6)
	for i := 0; i < 6; i++ {
		done, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		chans = append(chans, done)
	}
	for _, done := range chans {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Zero(t, pool.InFlight())
}

func TestPool_ShutdownDrains(t *testing.T) {
	pool := NewPool(1, nil)
	var finished atomic.Bool

	done, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.True(t, finished.Load())
	require.NoError(t, <-done)

	_, err = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_ShutdownForcesCancelAfterGrace(t *testing.T) {
	pool := NewPool(1, nil)

	done, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = pool.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrForcedShutdown)

	select {
	case werr := <-done:
		assert.True(t, errors.Is(werr, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by forced shutdown")
	}
}

func TestPool_CallerContextCancelsTask(t *testing.T) {
	pool := NewPool(1, nil)
	defer pool.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done, err := pool.Submit(ctx, func(tctx context.Context) error {
		<-tctx.Done()
		return tctx.Err()
	})
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
