package dialogue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many tasks run at once across all sessions.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewPool returns a pool with size slots. size < 1 is treated as 1.
func NewPool(size int) *Pool {
	size = max(size, 1)
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Go runs fn on its own goroutine once a slot is free. If ctx ends while
// waiting for a slot, fn still runs, without a slot and with ctx already
// done, so every submitted task observes its own completion.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			fn(ctx)
			return
		}
		p.active.Add(1)
		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
		}()
		fn(ctx)
	}()
}

// Active returns the number of tasks holding a slot.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Wait blocks until every task started with Go has returned.
func (p *Pool) Wait() { p.wg.Wait() }
