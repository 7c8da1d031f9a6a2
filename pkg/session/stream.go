package session

import "sync"

const feedBuffer = 64

// Stream is a read-only subscription source. The returned cancel func stops
// delivery and closes the channel; it may be called more than once.
type Stream[T any] interface {
	Subscribe() (<-chan T, func())
}

// Observable is a Stream that also has a current value.
type Observable[T any] interface {
	Stream[T]
	Get() T
}

type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

func (s *subscribers[T]) add(size int) (int, chan T) {
	if s.subs == nil {
		s.subs = make(map[int]chan T)
	}
	s.next++
	ch := make(chan T, size)
	s.subs[s.next] = ch

	return s.next, ch
}

// replace hands v to every subscriber, discarding a value it has not read
// yet. Callers hold s.mu.
func (s *subscribers[T]) replace(v T) {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (s *subscribers[T]) cancelFunc(id int) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Property holds the latest value of a piece of state. Subscribers receive
// the current value right away and then only the most recent one: values
// they did not read in time are replaced, never queued.
type Property[T any] struct {
	subscribers[T]
	value T
}

func NewProperty[T any](initial T) *Property[T] {
	return &Property[T]{value: initial}
}

func (p *Property[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.value
}

func (p *Property[T]) Set(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.value = v
	p.replace(v)
}

func (p *Property[T]) Subscribe() (<-chan T, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ch := p.add(1)
	ch <- p.value

	return ch, p.cancelFunc(id)
}

// Feed fans values out to subscribers. A subscriber that falls more than a
// buffer behind misses values rather than blocking the publisher.
type Feed[T any] struct {
	subscribers[T]
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{}
}

func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ch := f.add(feedBuffer)

	return ch, f.cancelFunc(id)
}

// Latest delivers published values without a current value. A subscriber
// only ever sees the newest value it has not read; older unread ones are
// discarded.
type Latest[T any] struct {
	subscribers[T]
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{}
}

func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.replace(v)
}

func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ch := l.add(1)

	return ch, l.cancelFunc(id)
}
