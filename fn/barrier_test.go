package fn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitAsync runs a barrier wait in the background and returns the channel the
// result will be delivered on.
func waitAsync(b *CompletionBarrier, timeout time.Duration) <-chan error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- b.Wait(timeout)
	}()

	return errChan
}

// TestCompletionBarrierFreshBarrier makes sure a wait on a barrier without any
// registered work returns immediately.
func TestCompletionBarrierFreshBarrier(t *testing.T) {
	t.Parallel()

	b := NewCompletionBarrier()
	require.NoError(t, b.Wait(time.Millisecond))
	require.Equal(t, 0, b.Outstanding())
}

// TestCompletionBarrierSingle tests that a single add/done pair resolves the
// wait right away.
func TestCompletionBarrierSingle(t *testing.T) {
	t.Parallel()

	b := NewCompletionBarrier()
	b.Add(1)
	b.Done()

	require.NoError(t, b.Wait(testTimeout))
}

// TestCompletionBarrierResolvesOnLastDone tests that the wait resolves exactly
// on the third done call, and that a stray fourth done call doesn't resolve a
// subsequent epoch early.
func TestCompletionBarrierResolvesOnLastDone(t *testing.T) {
	t.Parallel()

	b := NewCompletionBarrier()
	b.Add(3)

	errChan := waitAsync(b, time.Second)

	b.Done()
	b.Done()

	// With one item still outstanding, the waiter must not be released.
	_, err := RecvOrTimeout(errChan, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, 1, b.Outstanding())

	b.Done()
	waitErr, err := RecvOrTimeout(errChan, testTimeout)
	require.NoError(t, err)
	require.NoError(t, *waitErr)

	// A stray done is ignored, the count never goes negative.
	b.Done()
	require.Equal(t, 0, b.Outstanding())

	// A new epoch must not be resolved by the earlier stray done.
	b.Add(1)
	errChan = waitAsync(b, time.Second)
	_, err = RecvOrTimeout(errChan, 50*time.Millisecond)
	require.Error(t, err)

	b.Done()
	waitErr, err = RecvOrTimeout(errChan, testTimeout)
	require.NoError(t, err)
	require.NoError(t, *waitErr)
}

// TestCompletionBarrierTimeout tests that a wait with outstanding work fails
// with a timeout within the expected window.
func TestCompletionBarrierTimeout(t *testing.T) {
	t.Parallel()

	b := NewCompletionBarrier()
	b.Add(1)

	start := time.Now()
	err := b.Wait(100 * time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrBarrierTimeout)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 150*time.Millisecond)

	// A late done after the timeout is still accepted.
	b.Done()
	require.Equal(t, 0, b.Outstanding())
	require.NoError(t, b.Wait(time.Millisecond))
}

// TestCompletionBarrierWaitCtxCancel tests that cancelling the context
// releases the waiter with the context's error.
func TestCompletionBarrierWaitCtxCancel(t *testing.T) {
	t.Parallel()

	b := NewCompletionBarrier()
	b.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, b.WaitCtx(ctx), context.Canceled)
	require.Equal(t, 2, b.Outstanding())
}

// TestCompletionBarrierConcurrentDone hammers the barrier from many goroutines
// completing in arbitrary order.
func TestCompletionBarrierConcurrentDone(t *testing.T) {
	t.Parallel()

	const numWorkers = 100

	b := NewCompletionBarrier()

	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < numWorkers; i++ {
		b.Add(1)
		go func() {
			start.Wait()
			b.Done()
		}()
	}

	errChan := waitAsync(b, time.Second)
	start.Done()

	waitErr, err := RecvOrTimeout(errChan, time.Second)
	require.NoError(t, err)
	require.NoError(t, *waitErr)
	require.Equal(t, 0, b.Outstanding())
}
