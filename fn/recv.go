package fn

import (
	"errors"
	"time"
)

// ErrRecvTimeout is returned by RecvOrTimeout if nothing was received in
// time.
var ErrRecvTimeout = errors.New("timeout hit")

// RecvOrTimeout receives a single value from c, or returns ErrRecvTimeout
// once the timeout elapses.
func RecvOrTimeout[T any](c <-chan T, timeout time.Duration) (*T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-c:
		return &m, nil

	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}
