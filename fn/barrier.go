package fn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBarrierTimeout is returned by CompletionBarrier.Wait if the deadline
// elapses while work items are still outstanding.
var ErrBarrierTimeout = errors.New("barrier wait timeout")

// CompletionBarrier is a counting barrier that lets a single caller block
// until a dynamically sized set of concurrent work items have all signalled
// completion. Unlike a sync.WaitGroup, the wait can be bounded by a deadline,
// and stray calls to Done once the count is already zero are ignored.
//
// Each time the outstanding count moves from zero to a positive value a new
// wait epoch starts. The epoch is resolved when the count drops back to zero.
// A timed out wait does not affect the work items themselves, they can keep
// calling Done safely afterwards.
type CompletionBarrier struct {
	mu sync.Mutex

	// count is the number of outstanding work items. It never goes
	// negative.
	count int

	// epochDone is closed once the current epoch has no outstanding work
	// items left.
	epochDone chan struct{}
}

// NewCompletionBarrier creates a new barrier with no outstanding work items.
// A Wait call on a fresh barrier returns immediately.
func NewCompletionBarrier() *CompletionBarrier {
	epochDone := make(chan struct{})
	close(epochDone)

	return &CompletionBarrier{
		epochDone: epochDone,
	}
}

// Add registers delta new outstanding work items. It must be called before the
// work item is able to call Done, otherwise the waiter could observe a count
// of zero before all items have been registered.
func (b *CompletionBarrier) Add(delta int) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		b.epochDone = make(chan struct{})
	}
	b.count += delta
}

// Done marks a single work item as complete. If this was the last outstanding
// item, the current wait epoch is resolved. Calling Done with no outstanding
// items is a no-op.
func (b *CompletionBarrier) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return
	}

	b.count--
	if b.count == 0 {
		close(b.epochDone)
	}
}

// Outstanding returns the number of work items that haven't signalled
// completion yet.
func (b *CompletionBarrier) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Wait blocks until all outstanding work items are done, or the timeout
// elapses. In the latter case ErrBarrierTimeout is returned. A non-positive
// timeout waits without a deadline.
func (b *CompletionBarrier) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		return b.WaitCtx(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return b.WaitCtx(ctx)
}

// WaitCtx blocks until all outstanding work items are done or the passed
// context is done. A context that hit its deadline results in
// ErrBarrierTimeout, any other cancellation returns the context's error.
func (b *CompletionBarrier) WaitCtx(ctx context.Context) error {
	b.mu.Lock()
	epochDone := b.epochDone
	b.mu.Unlock()

	select {
	case <-epochDone:
		return nil

	case <-ctx.Done():
		// The epoch may have been resolved at the same time the
		// context expired, in which case we prefer the success.
		select {
		case <-epochDone:
			return nil
		default:
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrBarrierTimeout
		}

		return ctx.Err()
	}
}
