// Package broadcast provides an ordered multi-subscriber stream.
//
// A Stream delivers every published value to every live subscription whose
// filter accepts it, in publish order. Each subscription owns an unbounded
// queue drained by its own goroutine, so a slow consumer never blocks the
// publisher or any other subscriber.
//
// Subscriptions see values published after they were created; there is no
// replay. A subscription ends when its context is cancelled, when Close is
// called on it, or when the stream itself is closed. In the last case values
// already queued are still delivered before the channel closes.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscription.Next once the subscription has ended.
var ErrClosed = errors.New("subscription closed")

// Stream is a multi-subscriber value stream. The zero value is not usable;
// create one with New.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New returns an open stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscription receiving every value for which filter
// returns true. A nil filter accepts everything. Filters run on the
// publisher's goroutine and must not block.
//
// Subscribing to a closed stream returns a subscription whose channel is
// already closed.
func (s *Stream[T]) Subscribe(ctx context.Context, filter func(T) bool) *Subscription[T] {
	sub := &Subscription[T]{
		stream: s,
		filter: filter,
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.ended = true
		close(sub.out)
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx)
	return sub
}

// Publish delivers v to all matching subscriptions. It never blocks on a
// consumer. Publishing to a closed stream is a no-op and returns false.
func (s *Stream[T]) Publish(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for sub := range s.subs {
		if sub.filter == nil || sub.filter(v) {
			sub.enqueue(v)
		}
	}
	return true
}

// Close ends the stream. Every subscription delivers what it has queued and
// then closes its channel. Close is idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.end()
	}
	s.subs = nil
}

// Closed reports whether Close has been called.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of live subscriptions.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream[T]) remove(sub *Subscription[T]) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is one consumer of a Stream.
type Subscription[T any] struct {
	stream *Stream[T]
	filter func(T) bool
	out    chan T

	mu     sync.Mutex
	queue  []T
	ended  bool
	notify chan struct{}

	done chan struct{}
	once sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Next returns the next value, ErrClosed once the subscription has ended, or
// the context error.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	select {
	case v, ok := <-s.out:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close unsubscribes immediately, discarding anything still queued. Other
// subscriptions are unaffected. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.stream.remove(s)
		close(s.done)
	})
}

// Done is closed when the subscription ends. That is on Close, on context
// cancellation, or once everything queued before the stream closed has been
// delivered.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued values to out. It is the only goroutine that closes out.
func (s *Subscription[T]) pump(ctx context.Context) {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.ended {
				s.mu.Unlock()
				s.once.Do(func() { close(s.done) })
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
			s.mu.Lock()
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}
