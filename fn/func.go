package fn

// Map returns a new slice with f applied to every element of s.
func Map[I, O any](s []I, f func(I) O) []O {
	out := make([]O, len(s))
	for i, x := range s {
		out[i] = f(x)
	}

	return out
}

// Filter returns the elements of s for which keep returns true, in order.
func Filter[T any](s []T, keep func(T) bool) []T {
	out := make([]T, 0, len(s))
	for _, x := range s {
		if keep(x) {
			out = append(out, x)
		}
	}

	return out
}

// Count returns how many elements of s match pred.
func Count[T any](s []T, pred func(T) bool) int {
	var n int
	for _, x := range s {
		if pred(x) {
			n++
		}
	}

	return n
}
