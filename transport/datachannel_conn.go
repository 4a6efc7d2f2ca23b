// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/datachannel"

	"github.com/bureau-foundation/peerlink/lib/clock"
)

// maxDataChannelMessage is the largest message ReadMessage accepts.
const maxDataChannelMessage = 1 << 16

// DataChannelConn wraps a data channel as a net.Conn. Each Read
// returns one whole message (SCTP handles fragmentation and
// reassembly); a buffer smaller than the message fails with
// io.ErrShortBuffer. ReadMessage and SendMessage keep the
// string/binary distinction that Read and Write lose.
//
// A deadline that fires closes the underlying stream, so blocked I/O
// returns an error and the conn stays broken afterwards.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	channel    *datachannel.DataChannel
	localLabel string
	peerLabel  string
	clock      clock.Clock

	// Deadline state. Once a deadline closes the rwc the conn is
	// permanently broken.
	mu             sync.Mutex
	readTimer      *clock.Timer
	writeTimer     *clock.Timer
	deadlineClosed bool
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a message stream as a net.Conn. localLabel
// identifies the local endpoint (for logging/addr); peerLabel
// identifies the remote endpoint.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	conn := &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		clock:      clock.Real(),
	}
	if channel, ok := rwc.(*datachannel.DataChannel); ok {
		conn.channel = channel
	}
	return conn
}

// Label returns the channel label, or the local label for plain
// streams.
func (c *DataChannelConn) Label() string {
	if c.channel != nil {
		return c.channel.Config.Label
	}
	return c.localLabel
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	return c.rwc.Read(buffer)
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	return c.rwc.Write(buffer)
}

// ReadMessage reads the next message, tagged KindString or
// KindBinary.
func (c *DataChannelConn) ReadMessage() (Message, error) {
	buffer := make([]byte, maxDataChannelMessage)
	if c.channel == nil {
		n, err := c.rwc.Read(buffer)
		if err != nil {
			return Message{}, err
		}
		return Message{data: buffer[:n:n]}, nil
	}
	n, isString, err := c.channel.ReadDataChannel(buffer)
	if err != nil {
		return Message{}, err
	}
	kind := KindBinary
	if isString {
		kind = KindString
	}
	return Message{data: buffer[:n:n], kind: kind}, nil
}

// SendMessage writes message, as a string message when its kind is
// KindString.
func (c *DataChannelConn) SendMessage(message Message) error {
	if c.channel == nil {
		_, err := c.rwc.Write(message.payload())
		return err
	}
	_, err := c.channel.WriteDataChannel(message.payload(), message.Kind() == KindString)
	return err
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

// LocalAddr returns a synthetic address identifying the local data channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address identifying the remote data channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears the deadline.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// SetReadDeadline sets the read deadline. When the deadline fires, pending
// reads return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. When the deadline fires, pending
// writes return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces timer with one firing at deadline and returns it.
func (c *DataChannelConn) armLocked(timer *clock.Timer, deadline time.Time) *clock.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	duration := deadline.Sub(c.clock.Now())
	if duration <= 0 {
		c.closeFromDeadlineLocked()
		return nil
	}
	return c.clock.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

// closeFromDeadlineLocked closes the underlying stream to unblock
// pending I/O.
func (c *DataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "datachannel" }
func (a *dataChannelAddr) String() string  { return a.label }
