// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Driver is a library connection running over a Conn.
type Driver interface {
	HandshakeContext(ctx context.Context) error
	Read(buffer []byte) (int, error)
	Write(data []byte) (int, error)
	Close() error
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// Session adapts a Driver to engine.Session. One goroutine runs the
// handshake and then reads plaintext into a buffer; everything else is
// called by the session's owner.
type Session struct {
	config   engine.SessionConfig
	conn     *Conn
	driver   Driver
	classify func(error) error
	readSize int

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     engine.HandshakeState
	plaintext [][]byte
	peerLeaf  *x509.Certificate
	certErr   error
	closed    bool
}

// NewSession creates the Conn and Session for config. Build the driver
// over Conn(), with VerifyConnection as its certificate callback,
// then call Start.
func NewSession(config engine.SessionConfig) *Session {
	s := &Session{
		config: config,
		done:   make(chan struct{}),
	}
	s.conn = New(config.Clock, config.Notify, config.Role.String(), "peer")
	return s
}

// Conn returns the connection the driver must use.
func (s *Session) Conn() *Conn { return s.conn }

// Start launches the handshake. classify maps driver errors onto the
// engine sentinels. A positive timeout bounds the handshake and maps
// expiry to ErrHandshakeTimeout. readSize is the plaintext read buffer
// size.
func (s *Session) Start(driver Driver, classify func(error) error, timeout time.Duration, readSize int) {
	s.driver = driver
	s.classify = classify
	s.readSize = readSize

	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	err := s.driver.HandshakeContext(ctx)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.certErr != nil {
		// VerifyConnection already failed the session.
		s.mu.Unlock()
		return
	}
	if err != nil {
		switch {
		case timedOut:
			err = fmt.Errorf("%w: %v", engine.ErrHandshakeTimeout, err)
		default:
			err = s.classify(err)
		}
		s.state = engine.HandshakeState{Phase: engine.HandshakeFailed, Err: err}
		s.mu.Unlock()
		s.config.Logger.Debug("handshake failed", "role", s.config.Role.String(), "error", err)
		s.config.Notify()
		return
	}
	s.state = engine.HandshakeState{Phase: engine.HandshakeComplete}
	s.mu.Unlock()
	s.config.Notify()

	buffer := make([]byte, s.readSize)
	for {
		n, err := s.driver.Read(buffer)
		if n > 0 {
			s.mu.Lock()
			s.plaintext = append(s.plaintext, append([]byte(nil), buffer[:n]...))
			s.mu.Unlock()
			s.config.Notify()
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed && s.state.Phase == engine.HandshakeComplete {
				s.state = engine.HandshakeState{
					Phase: engine.HandshakeFailed,
					Err:   fmt.Errorf("%w: peer ended the session: %v", engine.ErrSessionClosed, err),
				}
			}
			s.mu.Unlock()
			s.config.Notify()
			return
		}
	}
}

// VerifyConnection records the peer leaf from rawCerts and checks it
// against the expected fingerprint. Its signature matches the
// VerifyPeerCertificate callbacks of crypto/tls and pion/dtls.
//
// A rejected certificate fails the session at once: some libraries
// keep waiting for the peer after their own callback fails. The owner
// closes the session, which ends the library handshake.
func (s *Session) VerifyConnection(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	s.mu.Lock()
	err := s.verifyLocked(rawCerts)
	if err != nil && !s.closed {
		s.certErr = err
		s.state = engine.HandshakeState{Phase: engine.HandshakeFailed, Err: err}
	}
	s.mu.Unlock()

	if err != nil {
		s.config.Logger.Debug("peer certificate rejected", "role", s.config.Role.String(), "error", err)
		s.config.Notify()
	}
	return err
}

func (s *Session) verifyLocked(rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: peer sent no certificate", engine.ErrCertificate)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: parsing peer certificate: %v", engine.ErrCertificate, err)
	}
	expected := s.config.ExpectedFingerprint
	if !expected.IsZero() && !expected.Matches(leaf) {
		return fmt.Errorf("%w: peer certificate does not match %s", engine.ErrCertificate, expected)
	}
	s.peerLeaf = leaf
	return nil
}

func (s *Session) FeedIncoming(record []byte) error {
	s.mu.Lock()
	closed, state := s.closed, s.state
	s.mu.Unlock()
	switch {
	case closed:
		return engine.ErrSessionClosed
	case state.Phase == engine.HandshakeFailed:
		return state.Err
	}
	if !s.conn.Deliver(record) {
		return engine.ErrSessionClosed
	}
	return nil
}

func (s *Session) DrainOutgoing() ([]byte, bool) {
	return s.conn.Drain()
}

func (s *Session) HandshakeState() engine.HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ReadApplicationData() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plaintext) == 0 || s.state.Phase != engine.HandshakeComplete {
		return nil, false
	}
	next := s.plaintext[0]
	s.plaintext[0] = nil
	s.plaintext = s.plaintext[1:]
	return next, true
}

func (s *Session) WriteApplicationData(data []byte) error {
	s.mu.Lock()
	closed, state := s.closed, s.state
	s.mu.Unlock()
	switch {
	case closed:
		return engine.ErrSessionClosed
	case state.Phase == engine.HandshakeFailed:
		return state.Err
	case state.Phase != engine.HandshakeComplete:
		return engine.ErrHandshakeIncomplete
	}
	_, err := s.driver.Write(data)
	return err
}

func (s *Session) VerifyPeerCertificate(expected certificate.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerLeaf != nil && expected.Matches(s.peerLeaf) {
		return true
	}
	if s.state.Phase != engine.HandshakeFailed {
		s.state = engine.HandshakeState{
			Phase: engine.HandshakeFailed,
			Err:   fmt.Errorf("%w: peer certificate does not match %s", engine.ErrCertificate, expected),
		}
	}
	return false
}

// RetransmissionDeadline reports no timer; the library runs its own.
func (s *Session) RetransmissionDeadline() (time.Duration, bool) {
	return 0, false
}

// Retransmit is a no-op; the library runs its own timer.
func (s *Session) Retransmit() error {
	return nil
}

func (s *Session) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if s.HandshakeState().Phase != engine.HandshakeComplete {
		return nil, engine.ErrHandshakeIncomplete
	}
	return s.driver.ExportKeyingMaterial(label, context, length)
}

func (s *Session) PeerCertificate() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLeaf
}

// Close stops the library and waits for the session goroutine to exit.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.plaintext = nil
	s.mu.Unlock()

	if s.driver == nil {
		s.conn.Close()
		return nil
	}
	s.cancel()
	s.conn.Close()
	if err := s.driver.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Debug("closing secure session", "error", err)
	}
	<-s.done
	return nil
}
