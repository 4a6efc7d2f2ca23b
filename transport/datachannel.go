// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/sctp"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/logging"
	"github.com/bureau-foundation/peerlink/lib/queue"
)

// Compile-time interface check.
var _ net.Conn = (*MessageConn)(nil)

// MessageConn is a net.Conn view of a Transport for libraries that
// want a packet connection, such as pion/sctp. Each Read returns one
// message and each Write sends one. It binds the transport as its
// single consumer but does not start or stop it.
//
// A Write the transport refuses is dropped like a lost datagram;
// protocols above recover it by retransmission.
type MessageConn struct {
	lower    Transport
	clock    clock.Clock
	incoming *queue.Queue[Message]
	refused  atomic.Uint64

	mu           sync.Mutex
	readDeadline time.Time
	closed       bool
}

// NewMessageConn binds lower. queueSize bounds the unread messages;
// zero means DefaultIncomingQueueSize.
func NewMessageConn(lower Transport, queueSize int) (*MessageConn, error) {
	if queueSize <= 0 {
		queueSize = DefaultIncomingQueueSize
	}
	c := &MessageConn{
		lower:    lower,
		clock:    clock.Real(),
		incoming: queue.New[Message](queueSize),
	}
	err := lower.Bind(Callbacks{
		OnMessage: func(message Message) { c.incoming.Push(message) },
		OnStateChange: func(change StateChange) {
			if change.Current == StateFailed || change.Current == StateDisconnected {
				c.incoming.Close()
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: binding message conn: %v", ErrConfiguration, err)
	}
	return c, nil
}

// Read copies the next message into buffer. A message larger than
// buffer is truncated with io.ErrShortBuffer.
func (c *MessageConn) Read(buffer []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout time.Duration
	if !deadline.IsZero() {
		timeout = deadline.Sub(c.clock.Now())
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	message, err := c.incoming.Pop(timeout)
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return 0, os.ErrDeadlineExceeded
	case errors.Is(err, queue.ErrClosed):
		return 0, io.EOF
	case err != nil:
		return 0, err
	}
	n := copy(buffer, message.payload())
	if n < message.Len() {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Write sends buffer as one message.
func (c *MessageConn) Write(buffer []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	if !c.lower.Send(NewMessage(KindBinary, buffer)) {
		c.refused.Add(1)
	}
	return len(buffer), nil
}

// Close unblocks readers. The transport keeps running.
func (c *MessageConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.incoming.Close()
	return nil
}

// Refused counts writes the transport did not accept.
func (c *MessageConn) Refused() uint64 { return c.refused.Load() }

func (c *MessageConn) LocalAddr() net.Addr  { return &dataChannelAddr{label: "local"} }
func (c *MessageConn) RemoteAddr() net.Addr { return &dataChannelAddr{label: "remote"} }

// SetDeadline sets the read deadline; writes never block.
func (c *MessageConn) SetDeadline(deadline time.Time) error {
	return c.SetReadDeadline(deadline)
}

// SetReadDeadline applies to the next Read. A Read already waiting
// keeps the deadline it started with.
func (c *MessageConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = deadline
	return nil
}

func (c *MessageConn) SetWriteDeadline(time.Time) error { return nil }

// DataChannelConfig describes a data channel to open.
type DataChannelConfig struct {
	Label    string
	Protocol string

	// Unordered delivers messages as they arrive.
	Unordered bool

	// MaxRetransmits makes the channel partially reliable. Zero keeps
	// it reliable.
	MaxRetransmits uint32
}

// Association is an SCTP association over a secure stage, carrying
// data channels (RFC 8831). The endpoint that was the DTLS client
// opens even stream IDs and the server odd ones (RFC 8832).
type Association struct {
	association *sctp.Association
	conn        *MessageConn
	role        Role
	factory     *logging.Factory
	logger      *slog.Logger

	mu       sync.Mutex
	nextID   uint16
	channels []*datachannel.DataChannel
}

// NewAssociation runs the SCTP handshake over conn, whose transport
// is a connected secure stage. role is that stage's resolved role. It
// blocks until the association is up, ctx is done, or the stage goes
// down. Bind conn with NewMessageConn before starting the stage so no
// early packet is lost.
func NewAssociation(ctx context.Context, conn *MessageConn, role Role, logger *slog.Logger) (*Association, error) {
	if role != RoleClient && role != RoleServer {
		return nil, fmt.Errorf("%w: association needs a resolved role, got %s", ErrConfiguration, role)
	}
	logger = logging.OrDiscard(logger).With("stage", "sctp")
	factory := logging.NewFactory(logger)
	config := sctp.Config{
		NetConn:       conn,
		LoggerFactory: factory,
	}

	type result struct {
		association *sctp.Association
		err         error
	}
	done := make(chan result, 1)
	go func() {
		var association *sctp.Association
		var err error
		if role == RoleClient {
			association, err = sctp.Client(config)
		} else {
			association, err = sctp.Server(config)
		}
		done <- result{association, err}
	}()

	var outcome result
	select {
	case outcome = <-done:
	case <-ctx.Done():
		conn.Close()
		outcome = <-done
		if outcome.err == nil {
			outcome.association.Close()
		}
		return nil, fmt.Errorf("sctp handshake: %w", ctx.Err())
	}
	if outcome.err != nil {
		conn.Close()
		return nil, fmt.Errorf("sctp handshake: %w", outcome.err)
	}

	a := &Association{
		association: outcome.association,
		conn:        conn,
		role:        role,
		factory:     factory,
		logger:      logger,
	}
	if role == RoleServer {
		a.nextID = 1
	}
	logger.Debug("sctp association established", "role", role.String())
	return a, nil
}

// Open opens a data channel on the next stream ID of this side's
// parity.
func (a *Association) Open(config DataChannelConfig) (*DataChannelConn, error) {
	a.mu.Lock()
	id := a.nextID
	a.nextID += 2
	a.mu.Unlock()

	channelConfig := &datachannel.Config{
		ChannelType:          datachannel.ChannelTypeReliable,
		ReliabilityParameter: config.MaxRetransmits,
		Label:                config.Label,
		Protocol:             config.Protocol,
		LoggerFactory:        a.factory,
	}
	switch {
	case config.MaxRetransmits > 0 && config.Unordered:
		channelConfig.ChannelType = datachannel.ChannelTypePartialReliableRexmitUnordered
	case config.MaxRetransmits > 0:
		channelConfig.ChannelType = datachannel.ChannelTypePartialReliableRexmit
	case config.Unordered:
		channelConfig.ChannelType = datachannel.ChannelTypeReliableUnordered
	}

	channel, err := datachannel.Dial(a.association, id, channelConfig)
	if err != nil {
		return nil, fmt.Errorf("opening data channel %q: %w", config.Label, err)
	}
	a.track(channel)
	a.logger.Debug("data channel opened", "label", config.Label, "stream", id)
	return NewDataChannelConn(channel, config.Label, config.Label), nil
}

// Accept waits for the peer to open a data channel.
func (a *Association) Accept() (*DataChannelConn, error) {
	a.mu.Lock()
	existing := append([]*datachannel.DataChannel(nil), a.channels...)
	a.mu.Unlock()

	channel, err := datachannel.Accept(a.association, &datachannel.Config{LoggerFactory: a.factory}, existing...)
	if err != nil {
		return nil, fmt.Errorf("accepting data channel: %w", err)
	}
	a.track(channel)
	label := channel.Config.Label
	a.logger.Debug("data channel accepted", "label", label, "stream", channel.StreamIdentifier())
	return NewDataChannelConn(channel, label, label), nil
}

func (a *Association) track(channel *datachannel.DataChannel) {
	a.mu.Lock()
	a.channels = append(a.channels, channel)
	a.mu.Unlock()
}

// Close shuts the association down. The secure stage keeps running.
func (a *Association) Close() error {
	err := a.association.Close()
	a.conn.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("closing sctp association: %w", err)
	}
	return nil
}
