package fn

import (
	"context"
	"time"
)

// RetryConfig configures RetryFuncN.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first one
	// failed.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier scales the wait after every retry.
	BackoffMultiplier float64

	// MaxBackoff caps the wait between two attempts.
	MaxBackoff time.Duration

	// ShouldRetry decides whether a failed attempt may be retried. A nil
	// ShouldRetry retries every error.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns the retry settings used for the tracker and the
// covenant builder.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt, starting at zero.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff)
	for i := 0; i < attempt && backoff < float64(c.MaxBackoff); i++ {
		backoff *= c.BackoffMultiplier
	}

	return min(time.Duration(backoff), c.MaxBackoff)
}

// retryable reports whether err may be retried after the given attempt.
func (c RetryConfig) retryable(attempt int, err error) bool {
	if attempt >= c.MaxRetries {
		return false
	}

	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// RetryFuncN calls f until it succeeds, a non retryable error is returned or
// the retries are used up. The error of the last attempt is returned. A
// cancelled context aborts the wait between two attempts.
func RetryFuncN[T any](ctx context.Context, config RetryConfig,
	f func() (T, error)) (T, error) {

	for attempt := 0; ; attempt++ {
		result, err := f()
		if err == nil || !config.retryable(attempt, err) {
			return result, err
		}

		timer := time.NewTimer(config.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()

		case <-timer.C:
		}
	}
}
