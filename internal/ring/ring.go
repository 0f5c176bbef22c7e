// Package ring provides a bounded FIFO buffer that evicts its oldest entry
// on overflow. It is not safe for concurrent use; owners add their own lock.
package ring

type Buffer[T any] struct {
	buf   []T
	limit int
}

func New[T any](limit int) *Buffer[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Buffer[T]{limit: limit}
}

// Add appends v and reports whether an older entry was evicted.
func (b *Buffer[T]) Add(v T) bool {
	if len(b.buf) < b.limit {
		b.buf = append(b.buf, v)
		return false
	}
	copy(b.buf, b.buf[1:])
	b.buf[len(b.buf)-1] = v
	return true
}

func (b *Buffer[T]) Len() int {
	return len(b.buf)
}

func (b *Buffer[T]) Cap() int {
	return b.limit
}

// List returns the newest limit entries, oldest first. A non-positive limit
// returns everything.
func (b *Buffer[T]) List(limit int) []T {
	if limit <= 0 || limit > len(b.buf) {
		limit = len(b.buf)
	}
	out := make([]T, limit)
	copy(out, b.buf[len(b.buf)-limit:])
	return out
}

func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	out := make([]T, 0)
	for _, v := range b.buf {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (b *Buffer[T]) First() (T, bool) {
	var zero T
	if len(b.buf) == 0 {
		return zero, false
	}
	return b.buf[0], true
}

func (b *Buffer[T]) Clear() {
	b.buf = nil
}
