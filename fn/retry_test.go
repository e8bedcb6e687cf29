package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestRetryFuncNRetriesExactlyMaxRetries verifies that a function that always
// fails is retried exactly MaxRetries times.
func TestRetryFuncNRetriesExactlyMaxRetries(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 5).Draw(t, "maxRetries")
		config := RetryConfig{
			MaxRetries:        maxRetries,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 1.5,
			MaxBackoff:        5 * time.Millisecond,
		}

		var callCount atomic.Int32
		expectedErr := errors.New("persistent failure")

		_, err := RetryFuncN(
			context.Background(), config, func() (int, error) {
				callCount.Add(1)
				return 0, expectedErr
			},
		)

		require.Equal(t, int32(maxRetries+1), callCount.Load())
		require.Equal(t, expectedErr, err)
	})
}

// TestRetryFuncNEventualSuccess makes sure the result of the first successful
// attempt is returned.
func TestRetryFuncNEventualSuccess(t *testing.T) {
	t.Parallel()

	config := RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	}

	var callCount atomic.Int32
	result, err := RetryFuncN(
		context.Background(), config, func() (string, error) {
			if callCount.Add(1) < 3 {
				return "", errors.New("not yet")
			}

			return "ok", nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, int32(3), callCount.Load())
}

// TestRetryFuncNShouldRetry verifies that non-retryable errors short circuit
// the retry loop.
func TestRetryFuncNShouldRetry(t *testing.T) {
	t.Parallel()

	permanent := errors.New("not found")
	config := DefaultRetryConfig()
	config.InitialBackoff = time.Millisecond
	config.ShouldRetry = func(err error) bool {
		return !errors.Is(err, permanent)
	}

	var callCount atomic.Int32
	_, err := RetryFuncN(
		context.Background(), config, func() (int, error) {
			callCount.Add(1)
			return 0, permanent
		},
	)
	require.ErrorIs(t, err, permanent)
	require.Equal(t, int32(1), callCount.Load())
}

// TestRetryFuncNContextCancel verifies that a cancelled context stops the
// retry loop during the backoff.
func TestRetryFuncNContextCancel(t *testing.T) {
	t.Parallel()

	config := RetryConfig{
		MaxRetries:        10,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 1,
		MaxBackoff:        time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryFuncN(ctx, config, func() (int, error) {
		return 0, errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}

// TestRetryConfigBackoff checks the exponential growth and the cap of the
// backoff.
func TestRetryConfigBackoff(t *testing.T) {
	t.Parallel()

	config := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
	}

	require.Equal(t, 100*time.Millisecond, config.Backoff(0))
	require.Equal(t, 200*time.Millisecond, config.Backoff(1))
	require.Equal(t, 800*time.Millisecond, config.Backoff(3))
	require.Equal(t, time.Second, config.Backoff(4))
	require.Equal(t, time.Second, config.Backoff(1000))
}
