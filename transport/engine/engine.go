// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/logging"
)

var (
	// ErrConfiguration reports an unusable session configuration, such
	// as a missing certificate or private key.
	ErrConfiguration = errors.New("invalid secure transport configuration")

	// ErrNegotiation reports a protocol version or cipher suite
	// mismatch with the peer.
	ErrNegotiation = errors.New("handshake negotiation failed")

	// ErrCertificate reports a peer certificate that is missing,
	// unparseable, or does not match the expected fingerprint.
	ErrCertificate = errors.New("peer certificate verification failed")

	// ErrHandshakeTimeout reports an exhausted retransmission budget.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrMalformedRecord reports a record that could not be parsed or
	// authenticated.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrSessionClosed is returned by calls on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrHandshakeIncomplete is returned by application data and
	// keying calls made before the handshake completes.
	ErrHandshakeIncomplete = errors.New("handshake not complete")

	// ErrUnsupportedMode is returned when a backend is asked for a
	// record mode (datagram or stream) it cannot provide.
	ErrUnsupportedMode = errors.New("record mode not supported by engine")
)

// Role is the handshake role of one endpoint.
type Role int

const (
	// RoleUnknown means the role has not been decided yet. As a
	// secure stage setting it requests automatic resolution.
	RoleUnknown Role = iota

	// RoleClient sends the first handshake flight.
	RoleClient

	// RoleServer answers the client's first flight.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseRole parses "client", "server", or "auto"/"unknown"/"" (which
// all yield RoleUnknown).
func ParseRole(text string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	case "", "auto", "unknown":
		return RoleUnknown, nil
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrConfiguration, text)
}

// HandshakePhase is the coarse progress of a session's handshake.
type HandshakePhase int

const (
	HandshakeInProgress HandshakePhase = iota
	HandshakeComplete
	HandshakeFailed
)

func (p HandshakePhase) String() string {
	switch p {
	case HandshakeInProgress:
		return "in-progress"
	case HandshakeComplete:
		return "complete"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("HandshakePhase(%d)", int(p))
	}
}

// HandshakeState is a session's handshake phase and, when failed, the
// reason.
type HandshakeState struct {
	Phase HandshakePhase
	Err   error
}

func (s HandshakeState) String() string {
	if s.Phase == HandshakeFailed && s.Err != nil {
		return "failed: " + s.Err.Error()
	}
	return s.Phase.String()
}

// Default session tuning.
const (
	DefaultRetransmitInterval = time.Second
	DefaultMaxRetransmits     = 10

	// MaxRetransmitInterval caps exponential flight backoff.
	MaxRetransmitInterval = 8 * time.Second
)

// RetransmitBudget is how long a datagram handshake lasts when every
// flight goes unanswered: retransmits resends starting at interval and
// doubling up to MaxRetransmitInterval, plus the final wait.
func RetransmitBudget(interval time.Duration, retransmits int) time.Duration {
	var total time.Duration
	for i := 0; i <= retransmits; i++ {
		total += interval
		interval = min(2*interval, MaxRetransmitInterval)
	}
	return total
}

// SessionConfig is everything a Backend needs to create a Session.
type SessionConfig struct {
	// Certificate is the local certificate and its private key.
	Certificate tls.Certificate

	// Role must be RoleClient or RoleServer.
	Role Role

	// Datagram selects DTLS-style records (each FeedIncoming call is
	// one datagram) instead of a TLS-style byte stream.
	Datagram bool

	// ExpectedFingerprint, when set, is checked during the handshake
	// so a mismatched peer fails before completion. The secure stage
	// also checks it after completion via VerifyPeerCertificate.
	ExpectedFingerprint certificate.Fingerprint

	// ServerName is carried as SNI by engines that support it.
	ServerName string

	// RetransmitInterval is the initial flight retransmission
	// interval for datagram mode.
	RetransmitInterval time.Duration

	// MaxRetransmits bounds flight retransmissions before the session
	// fails with ErrHandshakeTimeout.
	MaxRetransmits int

	// Clock drives retransmission timing. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives engine diagnostics. Nil discards.
	Logger *slog.Logger

	// Notify is called, from any goroutine, when output, plaintext, or
	// a state change becomes available outside a FeedIncoming or
	// Retransmit call. It must not block or call back into the
	// session.
	Notify func()
}

// Prepare validates c and fills in defaults. Backends call it at the
// top of NewSession.
func (c SessionConfig) Prepare() (SessionConfig, error) {
	if len(c.Certificate.Certificate) == 0 {
		return c, fmt.Errorf("%w: certificate is required", ErrConfiguration)
	}
	if c.Certificate.PrivateKey == nil {
		return c, fmt.Errorf("%w: private key is required", ErrConfiguration)
	}
	if c.Role != RoleClient && c.Role != RoleServer {
		return c, fmt.Errorf("%w: session role must be client or server, got %s", ErrConfiguration, c.Role)
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = DefaultMaxRetransmits
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	c.Logger = logging.OrDiscard(c.Logger)
	if c.Notify == nil {
		c.Notify = func() {}
	}
	return c, nil
}

// Backend creates sessions for one crypto engine.
type Backend interface {
	// Name is the registry key ("dtls", "tls", "curve").
	Name() string

	// SupportsMode reports whether the engine can run in datagram
	// (true) or stream (false) mode.
	SupportsMode(datagram bool) bool

	// NewSession creates a handshake context for one connection.
	NewSession(config SessionConfig) (Session, error)

	// ClassifyRecord inspects the first record in a datagram or stream
	// chunk without a session. Used to resolve the handshake role from
	// the first record received.
	ClassifyRecord(record []byte, datagram bool) RecordKind
}

// Session is one handshake and the record protection that follows it.
// A Session is not safe for concurrent use; callers serialize access.
type Session interface {
	// FeedIncoming supplies one received datagram (or stream chunk).
	// An error reports a record that was dropped; whether the session
	// failed is visible through HandshakeState.
	FeedIncoming(record []byte) error

	// DrainOutgoing returns the next datagram or stream chunk to send.
	// Callers drain until false after every FeedIncoming,
	// WriteApplicationData, Retransmit, and Notify.
	DrainOutgoing() ([]byte, bool)

	// HandshakeState reports the handshake phase.
	HandshakeState() HandshakeState

	// ReadApplicationData returns the next decrypted chunk, if any.
	// Never returns data before the handshake is complete.
	ReadApplicationData() ([]byte, bool)

	// WriteApplicationData encrypts data and queues the records for
	// DrainOutgoing.
	WriteApplicationData(data []byte) error

	// VerifyPeerCertificate reports whether the peer's certificate
	// matches expected. A mismatch moves the session to
	// HandshakeFailed with ErrCertificate.
	VerifyPeerCertificate(expected certificate.Fingerprint) bool

	// RetransmissionDeadline returns how long until the engine wants
	// Retransmit called. False when no timer is armed.
	RetransmissionDeadline() (time.Duration, bool)

	// Retransmit fires the engine's retransmission timer.
	Retransmit() error

	// ExportKeyingMaterial derives keying material per RFC 5705.
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)

	// PeerCertificate returns the peer's leaf certificate once it has
	// been received.
	PeerCertificate() *x509.Certificate

	// Close releases engine resources. Idempotent.
	Close() error
}
