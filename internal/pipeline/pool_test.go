package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Positive(t, peak.Load())
	assert.Zero(t, pool.Active())
	assert.Zero(t, pool.Waiting())
}

func TestWorkerPool_QueuedCallCancelled(t *testing.T) {
	pool := NewWorkerPool(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := pool.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	assert.Equal(t, 1, pool.Active())
}

func TestWorkerPool_ReturnsFnError(t *testing.T) {
	pool := NewWorkerPool(1)
	boom := errors.New("boom")

	err := pool.Do(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	// The slot was released.
	assert.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestNewWorkerPool_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
	assert.Equal(t, 1, NewWorkerPool(-3).Size())
	assert.Equal(t, 4, NewWorkerPool(4).Size())
}
