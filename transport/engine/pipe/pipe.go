// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipe provides Conn, an in-memory connection that lets a
// crypto library which insists on doing its own I/O run inside a
// sans-I/O engine session.
//
// The library reads from the Conn and writes to it on its own
// goroutines. The session pushes received records in with Deliver and
// pulls the library's output out with Drain. Every write calls the
// notify function so the session can tell its owner that output is
// ready.
//
// Conn implements both net.Conn (stream semantics: a short Read keeps
// the remainder for the next call) and net.PacketConn (datagram
// semantics: one ReadFrom returns one delivered datagram).
//
// Session builds an engine.Session from any library connection that
// can handshake, read, write, and export keying material over a Conn.
package pipe

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/queue"
)

// Compile-time interface checks.
var (
	_ net.Conn       = (*Conn)(nil)
	_ net.PacketConn = (*Conn)(nil)
)

// Conn is an in-memory connection between a crypto library and the
// engine session that owns it.
type Conn struct {
	clock   clock.Clock
	notify  func()
	local   Addr
	remote  Addr
	inbound *queue.Queue[[]byte]

	// readMu serializes readers so the stream remainder stays ordered.
	readMu   sync.Mutex
	leftover []byte

	mu           sync.Mutex
	outbound     [][]byte
	readDeadline time.Time
	closed       bool
}

// New creates a Conn. notify is called after every library write.
func New(c clock.Clock, notify func(), localLabel, remoteLabel string) *Conn {
	if notify == nil {
		notify = func() {}
	}
	return &Conn{
		clock:   c,
		notify:  notify,
		local:   Addr(localLabel),
		remote:  Addr(remoteLabel),
		inbound: queue.NewWithClock[[]byte](0, c),
	}
}

// Deliver hands a received record to the library's reader. The slice
// is copied. Returns false once the Conn is closed.
func (c *Conn) Deliver(record []byte) bool {
	return c.inbound.Push(append([]byte(nil), record...))
}

// Drain returns the oldest record the library has written.
func (c *Conn) Drain() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return nil, false
	}
	record := c.outbound[0]
	c.outbound[0] = nil
	c.outbound = c.outbound[1:]
	return record, true
}

// Pending returns the number of undrained output records.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// next blocks for the next delivered record, honoring the read deadline.
func (c *Conn) next() ([]byte, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout time.Duration
	if !deadline.IsZero() {
		timeout = deadline.Sub(c.clock.Now())
		if timeout <= 0 {
			return nil, os.ErrDeadlineExceeded
		}
	}
	record, err := c.inbound.Pop(timeout)
	switch {
	case errors.Is(err, queue.ErrClosed):
		return nil, net.ErrClosed
	case errors.Is(err, queue.ErrTimeout):
		return nil, os.ErrDeadlineExceeded
	}
	return record, err
}

// Read implements stream reads.
func (c *Conn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) == 0 {
		record, err := c.next()
		if err != nil {
			return 0, err
		}
		c.leftover = record
	}
	n := copy(buffer, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// ReadFrom implements datagram reads. A datagram longer than buffer is
// truncated.
func (c *Conn) ReadFrom(buffer []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	record, err := c.next()
	if err != nil {
		return 0, nil, err
	}
	return copy(buffer, record), c.remote, nil
}

// Write queues the library's output for Drain.
func (c *Conn) Write(data []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.outbound = append(c.outbound, append([]byte(nil), data...))
	c.mu.Unlock()

	c.notify()
	return len(data), nil
}

// WriteTo is Write; the address is ignored.
func (c *Conn) WriteTo(data []byte, _ net.Addr) (int, error) {
	return c.Write(data)
}

// Close unblocks readers and rejects further writes. Undrained output
// stays drainable. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inbound.Close()
	return nil
}

// LocalAddr returns a synthetic address naming the local endpoint.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns a synthetic address naming the remote endpoint.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline sets the read deadline. Writes never block.
func (c *Conn) SetDeadline(deadline time.Time) error {
	return c.SetReadDeadline(deadline)
}

// SetReadDeadline bounds future reads. A zero value clears it. A read
// already blocked keeps its original deadline.
func (c *Conn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = deadline
	return nil
}

// SetWriteDeadline is a no-op; writes never block.
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// Addr is a synthetic net.Addr for pipe endpoints.
type Addr string

func (a Addr) Network() string { return "pipe" }
func (a Addr) String() string  { return string(a) }
