// Package fifo provides the dispatch queues used by transport clients and the
// session router: an unbounded FIFO with a high-priority lane that is always
// drained first, and an explicit close signal.
package fifo

import (
	"context"
	"errors"
	"sync"
)

// Lane selects which side of the queue an item joins.
type Lane int

const (
	// Normal is the default lane.
	Normal Lane = iota
	// High items are always popped before Normal ones.
	High
)

// ErrClosed is returned by Pop once the queue has been closed.
var ErrClosed = errors.New("fifo: closed")

// Queue is safe for concurrent use by any number of producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	high   []T
	normal []T
	closed bool
	// ready is closed and replaced whenever an item is pushed or the queue
	// closes, waking every waiter.
	ready chan struct{}
}

// New creates an empty open queue
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{})}
}

// Push appends item to lane. It reports false when the queue is closed and the
// item was dropped.
func (q *Queue[T]) Push(item T, lane Lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if lane == High {
		q.high = append(q.high, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.wakeLocked()
	return true
}

// TryPop removes the next item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop blocks until an item is available, ctx is done, or the queue is closed.
// A closed queue returns ErrClosed even if items remain; use Drain to collect them.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close marks the queue closed and wakes every waiter. It is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Drain removes and returns every queued item, high lane first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.high)+len(q.normal))
	out = append(out, q.high...)
	out = append(out, q.normal...)
	q.high = nil
	q.normal = nil
	return out
}

// Len returns the number of queued items across both lanes
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Closed reports whether Close has been called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	switch {
	case len(q.high) > 0:
		item := q.high[0]
		q.high[0] = zero
		q.high = q.high[1:]
		return item, true
	case len(q.normal) > 0:
		item := q.normal[0]
		q.normal[0] = zero
		q.normal = q.normal[1:]
		return item, true
	default:
		return zero, false
	}
}

func (q *Queue[T]) wakeLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}
