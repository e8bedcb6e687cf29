package fn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testTimeout = 100 * time.Millisecond
)

func TestRecvOrTimeout(t *testing.T) {
	t.Parallel()

	c := make(chan int, 1)
	c <- 7

	v, err := RecvOrTimeout(c, time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, *v)

	// The channel is drained now.
	_, err = RecvOrTimeout(c, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrRecvTimeout)
}
