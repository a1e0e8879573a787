package replication

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/bookrelay/internal/storage"
)

// Limiter dispatches tasks in FIFO order with at most width of them running
// at once.
type Limiter struct {
	width int
}

// NewLimiter returns a Limiter of the given width; anything below 1 means 1.
func NewLimiter(width int) *Limiter {
	return &Limiter{width: max(width, 1)}
}

// Width returns the number of tasks that may run at once.
func (l *Limiter) Width() int { return l.width }

// Run calls task for 0..n-1 in order. A task error stops dispatch of the
// remaining tasks; tasks already running are waited for, not interrupted.
// Run returns the first task error, or a cancellation error when ctx ended
// before every task was dispatched.
func (l *Limiter) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	var g errgroup.Group
	g.SetLimit(l.width)

	var stopped atomic.Bool
	dispatched := 0
	for i := range n {
		if stopped.Load() || ctx.Err() != nil {
			break
		}
		dispatched++
		// Go blocks while width tasks are running.
		g.Go(func() error {
			if stopped.Load() {
				return nil
			}
			if err := task(ctx, i); err != nil {
				stopped.Store(true)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if dispatched < n {
		return storage.CheckCancelled(ctx)
	}
	return nil
}
