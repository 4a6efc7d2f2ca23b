// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/peerlink/lib/netutil"
)

// Compile-time interface check.
var _ Transport = (*UDPTransport)(nil)

// udpReadBufferSize fits any datagram.
const udpReadBufferSize = 1 << 16

// UDPConfig describes one end of a UDP lower stage.
type UDPConfig struct {
	// LocalAddress is bound at construction. ":0" picks a free port;
	// see LocalAddr.
	LocalAddress string

	// RemoteAddress is the peer. When empty the stage latches onto
	// the source of the first datagram it receives.
	RemoteAddress string

	Logger *slog.Logger
}

// UDPTransport exchanges datagrams with a single peer. Datagrams from
// any other source are dropped. Send writes straight to the socket;
// UDP writes do not block on the peer.
type UDPTransport struct {
	*stage

	config UDPConfig
	socket *net.UDPConn

	remoteMu sync.Mutex
	remote   *net.UDPAddr

	readDone chan struct{}
}

// NewUDPTransport binds the local socket.
func NewUDPTransport(config UDPConfig) (*UDPTransport, error) {
	if config.LocalAddress == "" {
		config.LocalAddress = ":0"
	}
	local, err := net.ResolveUDPAddr("udp", config.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving local address %q: %v", ErrConfiguration, config.LocalAddress, err)
	}
	t := &UDPTransport{
		stage:    newStage("udp", config.Logger),
		config:   config,
		readDone: make(chan struct{}),
	}
	if config.RemoteAddress != "" {
		if err := t.SetRemoteAddress(config.RemoteAddress); err != nil {
			return nil, err
		}
	}
	t.socket, err = net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", config.LocalAddress, err)
	}
	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.socket.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the peer, or nil before one is known.
func (t *UDPTransport) RemoteAddr() *net.UDPAddr {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	return t.remote
}

// SetRemoteAddress sets the peer. It may be called before or after
// Start; a stage waiting for its peer becomes connected.
func (t *UDPTransport) SetRemoteAddress(address string) error {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("%w: resolving remote address %q: %v", ErrConfiguration, address, err)
	}
	t.remoteMu.Lock()
	t.remote = remote
	t.remoteMu.Unlock()
	if t.State() == StateConnecting {
		t.transition(StateConnected, nil)
	}
	return nil
}

// Start launches the read loop. The stage is connected at once when
// the peer is known, otherwise when the first datagram arrives.
func (t *UDPTransport) Start() error {
	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	t.transition(StateConnecting, nil)
	if t.RemoteAddr() != nil {
		t.transition(StateConnected, nil)
	}
	go t.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop.
func (t *UDPTransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.socket.Close()
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.readDone
	}
	t.shutdown()
	t.finish()
	return nil
}

// Send writes message as one datagram to the peer.
func (t *UDPTransport) Send(message Message) bool {
	remote := t.RemoteAddr()
	if remote == nil || !t.State().Established() {
		return false
	}
	if _, err := t.socket.WriteToUDP(message.payload(), remote); err != nil {
		t.logger.Debug("udp write failed", "remote", remote.String(), "error", err)
		return false
	}
	return true
}

func (t *UDPTransport) readLoop() {
	defer close(t.readDone)
	buffer := make([]byte, udpReadBufferSize)
	for {
		n, source, err := t.socket.ReadFromUDP(buffer)
		if err != nil {
			if t.isStopped() || netutil.IsExpectedCloseError(err) {
				return
			}
			t.transition(StateFailed, fmt.Errorf("%w: %v", ErrLowerTransportLost, err))
			return
		}
		if !t.accept(source) {
			t.logger.Debug("dropping datagram from unknown source", "source", source.String())
			continue
		}
		t.deliver(NewMessage(KindBinary, buffer[:n]))
	}
}

// accept reports whether source is the peer, latching onto it when no
// peer is set yet.
func (t *UDPTransport) accept(source *net.UDPAddr) bool {
	t.remoteMu.Lock()
	if t.remote == nil {
		t.remote = source
		t.remoteMu.Unlock()
		t.logger.Debug("latched onto peer", "remote", source.String())
		t.transition(StateConnected, nil)
		return true
	}
	match := t.remote.IP.Equal(source.IP) && t.remote.Port == source.Port
	t.remoteMu.Unlock()
	return match
}
