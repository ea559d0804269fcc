package dialogue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	var running, peak atomic.Int64
	release := make(chan struct{})
	for range 6 {
		p.Go(context.Background(), func(context.Context) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}
	waitFor(t, "two active", func() bool { return p.Active() == 2 })
	time.Sleep(10 * time.Millisecond)
	close(release)
	p.Wait()

	if got := peak.Load(); got != 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}
	if p.Size() != 2 {
		t.Errorf("Size = %d, want 2", p.Size())
	}
}

func TestPool_CancelledTaskStillRuns(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	block := make(chan struct{})
	p.Go(context.Background(), func(context.Context) { <-block })
	waitFor(t, "slot taken", func() bool { return p.Active() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	p.Go(ctx, func(ctx context.Context) { ran <- ctx.Err() })
	cancel()

	select {
	case err := <-ran:
		if err == nil {
			t.Error("task ran with live context, want cancelled")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled task never ran")
	}
	close(block)
	p.Wait()
}

func TestNewPool_MinimumSize(t *testing.T) {
	t.Parallel()
	if got := NewPool(0).Size(); got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}
}
