// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/netutil"
	"github.com/bureau-foundation/peerlink/lib/queue"
)

// Compile-time interface checks.
var (
	_ Transport = (*TCPTransport)(nil)
	_ Dialer    = (*TCPDialer)(nil)
)

const (
	// DefaultOutgoingQueueSize bounds the messages a network stage
	// holds for its writer goroutine.
	DefaultOutgoingQueueSize = 1024

	// tcpReadBufferSize is the largest chunk delivered upward.
	tcpReadBufferSize = 1 << 16
)

// Dialer opens stream connections to a peer.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer opens TCP connections to a peer.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout, only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}

// TCPConfig describes one end of a TCP lower stage.
type TCPConfig struct {
	// Address is dialed, or listened on when Listen is set (":0"
	// picks a free port; see Addr).
	Address string

	// Listen accepts a single inbound connection instead of dialing.
	// The listener closes once the peer connects.
	Listen bool

	// Dialer opens the connection when not listening. Defaults to a
	// TCPDialer with a ten second timeout.
	Dialer Dialer

	// OutgoingQueueSize bounds Send's queue. Defaults to
	// DefaultOutgoingQueueSize.
	OutgoingQueueSize int

	Logger *slog.Logger
}

// TCPTransport carries one stream connection. It delivers whatever
// chunks the socket returns; framing is the job of the stage above
// (the stream-mode tls and curve engines). Send never blocks: writes
// go through a bounded queue drained by a writer goroutine.
type TCPTransport struct {
	*stage

	config   TCPConfig
	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	outgoing *queue.Queue[Message]
	workers  sync.WaitGroup

	connMu sync.Mutex
	conn   net.Conn
}

// NewTCPTransport validates config and, when listening, binds the
// listener so Addr is available before Start.
func NewTCPTransport(config TCPConfig) (*TCPTransport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: tcp address is required", ErrConfiguration)
	}
	if config.Dialer == nil {
		config.Dialer = &TCPDialer{Timeout: 10 * time.Second}
	}
	if config.OutgoingQueueSize <= 0 {
		config.OutgoingQueueSize = DefaultOutgoingQueueSize
	}
	name := "tcp-dial"
	if config.Listen {
		name = "tcp-listen"
	}
	t := &TCPTransport{
		stage:    newStage(name, config.Logger),
		config:   config,
		outgoing: queue.New[Message](config.OutgoingQueueSize),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	if config.Listen {
		listener, err := net.Listen("tcp", config.Address)
		if err != nil {
			t.cancel()
			return nil, fmt.Errorf("listening on %s: %w", config.Address, err)
		}
		t.listener = listener
	}
	return t, nil
}

// NewTCPTransportFromConn wraps an already established connection.
// Start reports StateConnected immediately.
func NewTCPTransportFromConn(conn net.Conn, logger *slog.Logger) *TCPTransport {
	t := &TCPTransport{
		stage:    newStage("tcp", logger),
		config:   TCPConfig{Address: conn.RemoteAddr().String(), OutgoingQueueSize: DefaultOutgoingQueueSize},
		outgoing: queue.New[Message](DefaultOutgoingQueueSize),
		conn:     conn,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Addr returns the listening address, or the local address of the
// connection once established. Nil before either exists.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener != nil {
		return t.listener.Addr()
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

// Start connects in the background. The stage reports StateConnected
// once the connection exists, or StateFailed when dialing or accepting
// fails.
func (t *TCPTransport) Start() error {
	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	t.transition(StateConnecting, nil)
	t.workers.Add(1)
	go t.connect()
	return nil
}

func (t *TCPTransport) connect() {
	defer t.workers.Done()

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()

	if conn == nil {
		var err error
		if t.listener != nil {
			conn, err = t.listener.Accept()
			t.listener.Close()
		} else {
			conn, err = t.config.Dialer.DialContext(t.ctx, t.config.Address)
		}
		if err != nil {
			if t.isStopped() {
				return
			}
			if netutil.IsTimeout(err) {
				err = fmt.Errorf("timed out: %w", err)
			}
			t.transition(StateFailed, fmt.Errorf("%w: connecting to %s: %v", ErrLowerTransportLost, t.config.Address, err))
			return
		}
		t.connMu.Lock()
		if t.isStopped() {
			t.connMu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.connMu.Unlock()
	}

	t.logger.Debug("tcp connected", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String())
	t.transition(StateConnected, nil)
	t.workers.Add(2)
	go t.readLoop(conn)
	go t.writeLoop(conn)
}

// Stop closes the connection and waits for the I/O goroutines.
func (t *TCPTransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.cancel()
	t.outgoing.Close()
	if t.listener != nil {
		t.listener.Close()
	}
	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.connMu.Unlock()
	t.workers.Wait()
	t.shutdown()
	t.finish()
	return nil
}

// Send queues message for the writer goroutine. It returns false when
// the connection is not established or the queue is full.
func (t *TCPTransport) Send(message Message) bool {
	if !t.State().Established() {
		return false
	}
	return t.outgoing.Push(message)
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.workers.Done()
	buffer := make([]byte, tcpReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			t.deliver(NewMessage(KindBinary, buffer[:n]))
		}
		if err != nil {
			t.lost(err)
			return
		}
	}
}

func (t *TCPTransport) writeLoop(conn net.Conn) {
	defer t.workers.Done()
	for {
		message, err := t.outgoing.PopContext(t.ctx)
		if err != nil {
			return
		}
		if _, err := conn.Write(message.payload()); err != nil {
			t.lost(err)
			return
		}
	}
}

// lost records the end of the connection. A clean close by the peer
// disconnects the stage; anything else fails it.
func (t *TCPTransport) lost(err error) {
	if t.isStopped() {
		return
	}
	t.outgoing.Close()
	if errors.Is(err, net.ErrClosed) {
		return
	}
	if netutil.IsExpectedCloseError(err) {
		t.logger.Debug("tcp peer closed the connection", "error", err)
		t.transition(StateDisconnected, nil)
		return
	}
	t.transition(StateFailed, fmt.Errorf("%w: %v", ErrLowerTransportLost, err))
}
