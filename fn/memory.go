package fn

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// CopySlice returns a shallow copy of s. A nil slice stays nil.
func CopySlice[T any](s []T) []T {
	if s == nil {
		return nil
	}

	return append(make([]T, 0, len(s)), s...)
}
