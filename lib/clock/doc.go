// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the transport
// pipeline.
//
// Every timeout in peerlink (queue pops, handshake budgets, flight
// retransmission, stop quiescence) is measured against a Clock rather
// than the time package. Production wiring uses Real(). Tests use
// Fake(), which only moves when Advance is called, so retransmission
// backoff and handshake deadlines can be driven step by step:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	session := newSession(c)
//	c.WaitForTimers(1)          // the session armed its flight timer
//	c.Advance(time.Second)      // fire it
//
// # FakeClock Synchronization
//
// After, NewTimer, and AfterFunc register pending waiters on a
// FakeClock. WaitForTimers blocks until a given number are pending,
// which closes the race between a goroutine arming a timer and the
// test advancing past it.
package clock
