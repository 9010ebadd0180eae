package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of runs executing at once. Calls beyond the
// limit wait for a free slot until their context is done; they are never
// rejected and no extra workers are started.
type WorkerPool struct {
	sem     *semaphore.Weighted
	size    int
	active  atomic.Int64
	waiting atomic.Int64
}

// NewWorkerPool creates a pool with size slots. Sizes below one are treated as one.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Do runs fn once a slot is free. It returns ctx.Err() if the context ends
// while waiting, without running fn.
func (p *WorkerPool) Do(ctx context.Context, fn func(context.Context) error) error {
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)

	return fn(ctx)
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return p.size
}

// Active returns the number of runs currently holding a slot.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// Waiting returns the number of calls queued for a slot.
func (p *WorkerPool) Waiting() int {
	return int(p.waiting.Load())
}
