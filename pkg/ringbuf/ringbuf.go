package ringbuf

import "sync"

// Buffer keeps the last Cap items added to it. It is safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Buffer[T]{items: make([]T, capacity)}
}

// Add stores item, evicting the oldest one when the buffer is full.
func (b *Buffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[(b.start+b.size)%len(b.items)] = item
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Items returns a copy of the stored items, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := range out {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}

	return out
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.start, b.size = 0, 0
}
