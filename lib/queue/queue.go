// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
)

var (
	// ErrClosed is returned by Pop once the queue is closed and empty.
	ErrClosed = errors.New("queue: closed")

	// ErrTimeout is returned by Pop when the timeout elapses before an
	// item is available.
	ErrTimeout = errors.New("queue: pop timed out")
)

// compactThreshold is the minimum number of consumed slots at the head
// of the backing slice before Pop shifts the live items down.
const compactThreshold = 64

// Queue is a closable FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	clock    clock.Clock
	capacity int

	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// ready carries at most one wake token. Push deposits one; a
	// consumer that takes an item and sees more remaining passes the
	// token on, so each push wakes at most one waiter.
	ready chan struct{}

	// done is closed by Close to wake every waiter at once.
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a queue holding at most capacity items. A capacity of
// zero or less makes the queue unbounded.
func New[T any](capacity int) *Queue[T] {
	return NewWithClock[T](capacity, clock.Real())
}

// NewWithClock is New with an injected clock for Pop timeouts.
func NewWithClock[T any](capacity int, c clock.Clock) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		clock:    c,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends item and wakes one waiting consumer. Returns false if
// the queue is closed or, for a bounded queue, full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop removes and returns the oldest item. It blocks until an item is
// available (returns it), timeout elapses (ErrTimeout), or the queue
// is closed and drained (ErrClosed). A timeout of zero or less waits
// without limit.
func (q *Queue[T]) Pop(timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := q.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	return q.wait(context.Background(), expired)
}

// PopContext is Pop bounded by ctx instead of a timeout. Returns
// ctx.Err() when the context ends first.
func (q *Queue[T]) PopContext(ctx context.Context) (T, error) {
	return q.wait(ctx, nil)
}

// TryPop removes and returns the oldest item without blocking. The
// boolean is false when the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	item, ok := q.takeLocked()
	remaining := q.lenLocked()
	q.mu.Unlock()

	if ok && remaining > 0 {
		q.signal()
	}
	return item, ok
}

func (q *Queue[T]) wait(ctx context.Context, expired <-chan time.Time) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		item, ok := q.takeLocked()
		remaining := q.lenLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			if remaining > 0 {
				q.signal()
			}
			return item, nil
		}
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-expired:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close marks the queue closed and wakes every waiter. Items already
// queued remain poppable. Idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Cap returns the queue's capacity, or zero when unbounded.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) takeLocked() (T, bool) {
	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		live := copy(q.items, q.items[q.head:])
		clear(q.items[live:])
		q.items = q.items[:live]
		q.head = 0
	}
	return item, true
}
