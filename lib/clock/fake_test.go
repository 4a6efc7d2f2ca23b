// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	_ Clock = (*FakeClock)(nil)
	_ Clock = Real()
)

func ready(channel <-chan time.Time) bool {
	select {
	case <-channel:
		return true
	default:
		return false
	}
}

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got := Since(clock, epoch); got != 5*time.Second {
		t.Fatalf("Since(epoch) after Advance = %v, want 5s", got)
	}
}

func TestFakeClockChannelWaiters(t *testing.T) {
	tests := []struct {
		name     string
		schedule func(*FakeClock) <-chan time.Time
	}{
		{"After", func(c *FakeClock) <-chan time.Time { return c.After(3 * time.Second) }},
		{"NewTimer", func(c *FakeClock) <-chan time.Time { return c.NewTimer(3 * time.Second).C }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clock := Fake(epoch)
			channel := test.schedule(clock)
			clock.Advance(2 * time.Second)
			if ready(channel) {
				t.Fatal("fired before its deadline")
			}
			clock.Advance(time.Second)
			if !ready(channel) {
				t.Fatal("did not fire at its deadline")
			}
			clock.Advance(time.Hour)
			if ready(channel) {
				t.Fatal("fired twice")
			}
		})
	}
}

func TestFakeClockNonPositiveDurations(t *testing.T) {
	clock := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		if !ready(clock.After(d)) {
			t.Errorf("After(%v) not ready immediately", d)
		}
		if !ready(clock.NewTimer(d).C) {
			t.Errorf("NewTimer(%v) not ready immediately", d)
		}
		var called bool
		clock.AfterFunc(d, func() { called = true })
		if !called {
			t.Errorf("AfterFunc(%v) did not run f synchronously", d)
		}
	}
	if got := clock.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
}

func TestFakeClockStop(t *testing.T) {
	clock := Fake(epoch)
	var called atomic.Bool
	timer := clock.AfterFunc(time.Second, func() { called.Store(true) })
	if got := clock.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
	if !timer.Stop() {
		t.Fatal("first Stop() = false, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}
	clock.Advance(2 * time.Second)
	if called.Load() {
		t.Fatal("stopped AfterFunc fired")
	}

	fired := clock.AfterFunc(time.Second, func() {})
	clock.Advance(time.Second)
	if fired.Stop() {
		t.Error("Stop() on a fired timer = true, want false")
	}
}

func TestFakeClockReset(t *testing.T) {
	clock := Fake(epoch)
	timer := clock.NewTimer(time.Second)

	// Active: pushes the deadline out.
	clock.Advance(500 * time.Millisecond)
	if !timer.Reset(time.Second) {
		t.Fatal("Reset() on an armed timer = false, want true")
	}
	clock.Advance(900 * time.Millisecond)
	if ready(timer.C) {
		t.Fatal("reset timer fired at its old deadline")
	}
	clock.Advance(100 * time.Millisecond)
	if !ready(timer.C) {
		t.Fatal("reset timer did not fire at its new deadline")
	}

	// Fired: re-arms.
	if timer.Reset(3 * time.Second) {
		t.Fatal("Reset() on a fired timer = true, want false")
	}
	clock.Advance(3 * time.Second)
	if !ready(timer.C) {
		t.Fatal("re-armed timer did not fire")
	}
}

func TestFakeClockFiringOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []string
	record := func(name string) func() {
		return func() { order = append(order, name) }
	}

	clock.AfterFunc(3*time.Second, record("3s"))
	clock.AfterFunc(time.Second, record("1s-first"))
	clock.AfterFunc(2*time.Second, record("2s"))
	clock.AfterFunc(time.Second, record("1s-second"))
	clock.AfterFunc(time.Second, func() {
		order = append(order, "1s-chain")
		// Lands inside the window being advanced.
		clock.AfterFunc(500*time.Millisecond, record("1.5s-chained"))
	})

	clock.Advance(5 * time.Second)

	want := []string{"1s-first", "1s-second", "1s-chain", "1.5s-chained", "2s", "3s"}
	if !slices.Equal(order, want) {
		t.Fatalf("firing order = %v, want %v", order, want)
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	for range 3 {
		go func() {
			<-clock.After(5 * time.Second)
		}()
	}
	clock.WaitForTimers(3)
	if got := clock.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}
}

func TestFakeClockConcurrentAccess(t *testing.T) {
	clock := Fake(epoch)
	const goroutines = 10

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			clock.NewTimer(time.Second)
			clock.Now()
		})
	}
	wg.Wait()

	clock.WaitForTimers(goroutines)
	clock.Advance(time.Second)
	if got := clock.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() after Advance = %d, want 0", got)
	}
}

func TestRealClockNewTimer(t *testing.T) {
	timer := Real().NewTimer(time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("real timer did not fire")
	}
}
