// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time stands still until
// Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.scheduled = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for testing. Waiters fire during
// Advance once the clock reaches their deadline; waiters with equal
// deadlines fire in the order they were scheduled.
//
// AfterFunc callbacks run on the goroutine calling Advance, without the
// clock's lock held, so a callback may schedule further waiters. A
// callback must not call Advance.
type FakeClock struct {
	mu        sync.Mutex
	current   time.Time
	pending   waiterHeap
	sequence  uint64
	scheduled *sync.Cond
}

// fakeWaiter is one pending After, NewTimer, or AfterFunc registration.
// Exactly one of channel and callback is set.
type fakeWaiter struct {
	deadline time.Time
	sequence uint64
	channel  chan time.Time
	callback func()

	// index is the position in the heap, or -1 when not pending.
	index int
}

// waiterHeap orders waiters by deadline, then scheduling order.
type waiterHeap []*fakeWaiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	waiter := x.(*fakeWaiter)
	waiter.index = len(*h)
	*h = append(*h, waiter)
}

func (h *waiterHeap) Pop() any {
	old := *h
	last := len(old) - 1
	waiter := old[last]
	old[last] = nil
	waiter.index = -1
	*h = old[:last]
	return waiter
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has advanced by
// d. If d <= 0, the channel is ready without registering a waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

// NewTimer returns a stoppable timer. If d <= 0 the timer's channel is
// ready immediately.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{channel: channel, index: -1}

	c.mu.Lock()
	if d <= 0 {
		channel <- c.current
	} else {
		c.scheduleLocked(waiter, d)
	}
	c.mu.Unlock()

	timer := c.handle(waiter)
	timer.C = channel
	return timer
}

// AfterFunc schedules f to run once the clock has advanced by d. If
// d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	waiter := &fakeWaiter{callback: f, index: -1}
	if d <= 0 {
		f()
		return c.handle(waiter)
	}
	c.mu.Lock()
	c.scheduleLocked(waiter, d)
	c.mu.Unlock()
	return c.handle(waiter)
}

func (c *FakeClock) scheduleLocked(waiter *fakeWaiter, d time.Duration) {
	c.sequence++
	waiter.deadline = c.current.Add(d)
	waiter.sequence = c.sequence
	heap.Push(&c.pending, waiter)
	c.scheduled.Broadcast()
}

// handle builds the Stop/Reset pair for waiter.
func (c *FakeClock) handle(waiter *fakeWaiter) *Timer {
	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.index < 0 {
				return false
			}
			heap.Remove(&c.pending, waiter.index)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := waiter.index >= 0
			if active {
				heap.Remove(&c.pending, waiter.index)
			}
			c.scheduleLocked(waiter, max(d, 0))
			return active
		},
	}
}

// Advance moves the clock forward by d. Waiters due within the window
// fire in order, each with the clock set to its own deadline, so a
// callback that schedules a new waiter inside the window sees it fire
// during the same Advance. Channel sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for len(c.pending) > 0 && !c.pending[0].deadline.After(target) {
		waiter := heap.Pop(&c.pending).(*fakeWaiter)
		if waiter.deadline.After(c.current) {
			c.current = waiter.deadline
		}
		now := c.current
		c.mu.Unlock()
		if waiter.callback != nil {
			waiter.callback()
		} else {
			select {
			case waiter.channel <- now:
			default:
			}
		}
		c.mu.Lock()
	}
	c.current = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.scheduled.Wait()
	}
}

// PendingCount returns the number of pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
