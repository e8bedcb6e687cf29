package fn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPtr(t *testing.T) {
	t.Parallel()

	v := uint64(1000)
	p := Ptr(v)
	*p = 1

	require.Equal(t, uint64(1000), v)
	require.Equal(t, uint64(1), *p)
}

func TestCopySlice(t *testing.T) {
	t.Parallel()

	orig := []int{1, 2, 3}
	cp := CopySlice(orig)
	cp[0] = 9

	require.Equal(t, []int{1, 2, 3}, orig)
	require.Equal(t, []int{9, 2, 3}, cp)
	require.Nil(t, CopySlice[int](nil))
	require.NotNil(t, CopySlice([]int{}))
}
