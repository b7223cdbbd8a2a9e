package autotune

// Ring is a fixed-capacity circular buffer; pushing onto a full ring drops
// the oldest element.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// At returns the i-th element, oldest first. Negative indexes count from the newest.
func (r *Ring[T]) At(i int) T {
	if i < 0 {
		i += r.n
	}
	if i < 0 || i >= r.n {
		panic("autotune: ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Full reports whether the ring holds Cap elements.
func (r *Ring[T]) Full() bool { return r.n == len(r.buf) }

// Clear empties the ring without releasing its storage.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}

// Each calls fn for every element, oldest first.
func (r *Ring[T]) Each(fn func(T)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
