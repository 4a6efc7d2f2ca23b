// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides Queue, a closable FIFO used for every
// cross-goroutine handoff in the transport pipeline: datagrams from a
// lower stage's read loop to the secure stage's worker, outgoing writes
// to a socket writer, and callbacks to a stage's dispatcher.
//
// Push never blocks. A bounded queue rejects pushes when full, which is
// how the pipeline applies backpressure to a fast network reader: the
// datagram is dropped and the reader moves on. Pop blocks until an item
// arrives, a timeout elapses, or the queue is closed.
//
// Close is a drain, not a discard. Items pushed before Close are still
// handed out by Pop; only once the queue is empty does Pop report
// ErrClosed. Each item goes to exactly one consumer, and items from a
// single producer come out in the order that producer pushed them.
package queue
