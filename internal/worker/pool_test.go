package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 2, QueueSize: 8}, nil)

	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit("count", func(context.Context) {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		}))
	}
	wg.Wait()
	pool.Close()

	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestPoolBackpressure(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1, QueueSize: 1}, nil)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit("block", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit("queued", func(context.Context) {}))

	err := pool.Submit("overflow", func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolFull)
	close(release)
}

func TestPoolSubmitAfterDelays(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1}, nil)
	defer pool.Close()

	submitted := time.Now()
	done := make(chan time.Time, 1)
	require.NoError(t, pool.SubmitAfter("later", 30*time.Millisecond, func(context.Context) {
		done <- time.Now()
	}))

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(submitted), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestPoolCloseDropsPendingDelayedWorkAndRejects(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1}, nil)

	var ran int32
	require.NoError(t, pool.SubmitAfter("never", time.Hour, func(context.Context) {
		atomic.AddInt32(&ran, 1)
	}))
	pool.Close()

	assert.ErrorIs(t, pool.Submit("late", func(context.Context) {}), ErrPoolClosed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestPoolRecoversFromPanic(t *testing.T) {
	pool := NewPool(PoolConfig{Workers: 1}, nil)
	defer pool.Close()

	require.NoError(t, pool.Submit("panic", func(context.Context) { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, pool.Submit("after", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}
