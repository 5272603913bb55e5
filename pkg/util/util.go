package util

// Map applies mapper to each element of coll and returns the results in order.
// The mapper also receives the element's index.
func Map[A any, B any](coll []A, mapper func(i A, index uint64) B) []B {
	out := make([]B, len(coll))
	for i, item := range coll {
		out[i] = mapper(item, uint64(i))
	}
	return out
}

// Find returns the first element in coll that satisfies criteria, or nil if none does.
func Find[A any](coll []*A, criteria func(i *A) bool) *A {
	for _, item := range coll {
		if criteria(item) {
			return item
		}
	}
	return nil
}

// Filter returns the elements of coll that satisfy criteria, preserving order.
func Filter[A any](coll []A, criteria func(i A) bool) []A {
	out := make([]A, 0, len(coll))
	for _, item := range coll {
		if criteria(item) {
			out = append(out, item)
		}
	}
	return out
}

// Dedupe returns coll with repeated values removed, keeping the first occurrence.
func Dedupe[A comparable](coll []A) []A {
	seen := make(map[A]struct{}, len(coll))
	out := make([]A, 0, len(coll))
	for _, item := range coll {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
