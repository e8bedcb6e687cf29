package fn

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParMap calls f for every element of s concurrently and returns the results
// in the order of s. At most limit calls are in flight at any time, a limit
// of zero or less means one per CPU. The context handed to f is cancelled as
// soon as one call fails, and the first error is returned.
func ParMap[V, R any](ctx context.Context, s []V, limit int,
	f func(context.Context, V) (R, error)) ([]R, error) {

	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.SetLimit(limit)

	// Every goroutine only writes its own slot.
	results := make([]R, len(s))
	for i := range s {
		i := i
		errGroup.Go(func() error {
			r, err := f(ctx, s[i])
			if err != nil {
				return err
			}

			results[i] = r
			return nil
		})
	}

	if err := errGroup.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
