// Package history provides a fixed-capacity ring of samples with streaming
// aggregates. Index 0 is always the oldest retained sample.
package history

import "iter"

// Number is the set of sample types a Ring can aggregate.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Ring is a fixed-capacity, insertion-ordered history that overwrites the
// oldest sample when full. Storage is allocated once by New.
type Ring[T Number] struct {
	buf   []T
	head  int // next write position
	tail  int // oldest sample
	count int
}

// New creates a ring holding at most capacity samples.
// A capacity below 1 is treated as 1.
func New[T Number](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, overwriting the oldest sample when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count == len(r.buf) {
		r.tail = (r.tail + 1) % len(r.buf)
		return
	}
	r.count++
}

// At returns the i-th retained sample, 0 being the oldest.
// i must be below Len; no bounds check is performed beyond the slice's own.
func (r *Ring[T]) At(i int) T {
	return r.buf[(r.tail+i)%len(r.buf)]
}

// Newest returns the most recently pushed sample, or the zero value when empty.
func (r *Ring[T]) Newest() T {
	if r.count == 0 {
		var zero T
		return zero
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// Oldest returns the oldest retained sample, or the zero value when empty.
func (r *Ring[T]) Oldest() T {
	if r.count == 0 {
		var zero T
		return zero
	}
	return r.buf[r.tail]
}

// Len returns the number of retained samples.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// IsEmpty reports whether no samples are retained.
func (r *Ring[T]) IsEmpty() bool { return r.count == 0 }

// IsFull reports whether the next Push will overwrite the oldest sample.
func (r *Ring[T]) IsFull() bool { return r.count == len(r.buf) }

// Clear drops every sample without releasing storage.
func (r *Ring[T]) Clear() {
	r.head, r.tail, r.count = 0, 0, 0
}

// All iterates retained samples from oldest to newest.
func (r *Ring[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < r.count; i++ {
			if !yield(i, r.At(i)) {
				return
			}
		}
	}
}

// Values returns a copy of the retained samples, oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Average returns the arithmetic mean of the retained samples.
func (r *Ring[T]) Average() T {
	if r.count == 0 {
		var zero T
		return zero
	}
	var sum T
	for i := 0; i < r.count; i++ {
		sum += r.At(i)
	}
	return sum / T(r.count)
}

// Variance returns the population variance around mean. Fewer than two
// samples yield zero.
func (r *Ring[T]) Variance(mean T) T {
	var sum T
	if r.count <= 1 {
		return sum
	}
	for i := 0; i < r.count; i++ {
		d := r.At(i) - mean
		sum += d * d
	}
	return sum / T(r.count)
}

// Min returns the smallest retained sample, or the zero value when empty.
func (r *Ring[T]) Min() T {
	if r.count == 0 {
		var zero T
		return zero
	}
	m := r.At(0)
	for i := 1; i < r.count; i++ {
		if v := r.At(i); v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest retained sample, or the zero value when empty.
func (r *Ring[T]) Max() T {
	if r.count == 0 {
		var zero T
		return zero
	}
	m := r.At(0)
	for i := 1; i < r.count; i++ {
		if v := r.At(i); v > m {
			m = v
		}
	}
	return m
}
