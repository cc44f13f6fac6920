// Package queue provides the unbounded FIFO used between the gateway services.
//
// Producers never block, since a full queue would stall HTTP handlers or the
// modem callback. Consumers wait with a bounded timeout so they can observe
// shutdown.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmpty is returned by Pop when the wait elapsed without an item.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed is returned by Pop once the queue is closed and drained.
	ErrClosed = errors.New("queue: closed")
)

// FIFO is a thread-safe unbounded first-in first-out queue.
//
// The signal channel has capacity 1 and coalesces wakeups; consumers always
// re-check the slice under the lock after waking.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New returns an empty queue.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v. Returns false if the queue is closed.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notifyLocked()
	return true
}

// TryPop removes the front item without waiting.
func (q *FIFO[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *FIFO[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Reclaim the backing array once drained.
		q.items = make([]T, 0, 64)
	} else {
		// More work pending: keep the next consumer awake.
		q.notifyLocked()
	}
	return v, true
}

func (q *FIFO[T]) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the front item, waiting up to wait for one to arrive.
// A wait <= 0 waits until an item arrives, the queue closes, or ctx is done.
//
// Items queued before Close are still returned; ErrClosed is only reported
// once the queue is both closed and empty.
func (q *FIFO[T]) Pop(ctx context.Context, wait time.Duration) (T, error) {
	var zero T
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		q.mu.Lock()
		if v, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		if closed {
			// Pass the wakeup on to any other waiting consumer.
			q.notifyLocked()
		}
		q.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.signal:
		case <-timeout:
			return zero, ErrEmpty
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len reports the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new items and wakes waiting consumers.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Closed reports whether Close was called.
func (q *FIFO[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
