package fn

import (
	"context"
	"errors"
)

// ErrorAs behaves the same as `errors.As` except there's no need to declare
// the target error as a variable first.
// Instead of writing:
//
//	var targetErr *TargetErr
//	errors.As(err, &targetErr)
//
// We can write:
//
//	fn.ErrorAs[*TargetErr](err)
//
// To save us from declaring the target error variable.
func ErrorAs[Target error](err error) bool {
	var targetErr Target

	return errors.As(err, &targetErr)
}

// IsCanceled returns true if the passed error is a context cancellation or
// deadline error, possibly wrapped.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
