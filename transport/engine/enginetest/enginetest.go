// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package enginetest drives pairs of engine sessions against each
// other in memory and holds the behaviour every engine.Backend must
// share.
package enginetest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Endpoint is a certificate and its fingerprint.
type Endpoint struct {
	Certificate tls.Certificate
	Fingerprint certificate.Fingerprint
}

// NewEndpoint generates a fresh self-signed endpoint.
func NewEndpoint(t *testing.T) Endpoint {
	t.Helper()
	pair, err := certificate.Generate(certificate.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprint, err := certificate.OfTLS(pair)
	if err != nil {
		t.Fatalf("OfTLS() error: %v", err)
	}
	return Endpoint{Certificate: pair, Fingerprint: fingerprint}
}

// Options tune NewPair.
type Options struct {
	Datagram bool

	// ClientExpects overrides the fingerprint the client pins. The
	// server always pins the client's real fingerprint.
	ClientExpects *certificate.Fingerprint
}

// Pair is a client and server session wired to each other by Pump.
type Pair struct {
	Client, Server                 engine.Session
	ClientEndpoint, ServerEndpoint Endpoint

	wake chan struct{}
}

// NewPair creates a client and server session from backend. Both are
// closed when the test ends.
func NewPair(t *testing.T, backend engine.Backend, options Options) *Pair {
	t.Helper()
	pair := &Pair{
		ClientEndpoint: NewEndpoint(t),
		ServerEndpoint: NewEndpoint(t),
		wake:           make(chan struct{}, 1),
	}
	notify := func() {
		select {
		case pair.wake <- struct{}{}:
		default:
		}
	}
	expected := pair.ServerEndpoint.Fingerprint
	if options.ClientExpects != nil {
		expected = *options.ClientExpects
	}

	var err error
	pair.Server, err = backend.NewSession(engine.SessionConfig{
		Certificate:         pair.ServerEndpoint.Certificate,
		Role:                engine.RoleServer,
		Datagram:            options.Datagram,
		ExpectedFingerprint: pair.ClientEndpoint.Fingerprint,
		RetransmitInterval:  100 * time.Millisecond,
		Notify:              notify,
	})
	if err != nil {
		t.Fatalf("server NewSession() error: %v", err)
	}
	t.Cleanup(func() { pair.Server.Close() })

	pair.Client, err = backend.NewSession(engine.SessionConfig{
		Certificate:         pair.ClientEndpoint.Certificate,
		Role:                engine.RoleClient,
		Datagram:            options.Datagram,
		ExpectedFingerprint: expected,
		RetransmitInterval:  100 * time.Millisecond,
		Notify:              notify,
	})
	if err != nil {
		t.Fatalf("client NewSession() error: %v", err)
	}
	t.Cleanup(func() { pair.Client.Close() })
	return pair
}

// Deliver moves every queued record from one session to the other and
// returns how many moved.
func Deliver(from, to engine.Session) int {
	moved := 0
	for {
		record, ok := from.DrainOutgoing()
		if !ok {
			return moved
		}
		to.FeedIncoming(record)
		moved++
	}
}

// PumpUntil exchanges records until done reports true, driving
// retransmission timers along the way. Fails the test after 10s.
func (p *Pair) PumpUntil(t *testing.T, description string, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second) //nolint:realclock test hang prevention
	for !done() {
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("timed out waiting for %s (client %s, server %s)",
				description, p.Client.HandshakeState(), p.Server.HandshakeState())
		}
		for _, session := range []engine.Session{p.Client, p.Server} {
			if wait, armed := session.RetransmissionDeadline(); armed && wait == 0 {
				session.Retransmit()
			}
		}
		if Deliver(p.Client, p.Server)+Deliver(p.Server, p.Client) > 0 {
			continue
		}
		select {
		case <-p.wake:
		case <-time.After(10 * time.Millisecond): //nolint:realclock poll for library timers
		}
	}
}

// WaitOutgoing waits for session to queue a record and returns it
// without delivering anything.
func (p *Pair) WaitOutgoing(t *testing.T, session engine.Session) []byte {
	t.Helper()
	deadline := time.After(10 * time.Second) //nolint:realclock test hang prevention
	for {
		if record, ok := session.DrainOutgoing(); ok {
			return record
		}
		select {
		case <-p.wake:
		case <-deadline:
			t.Fatal("timed out waiting for an outgoing record")
		case <-time.After(10 * time.Millisecond): //nolint:realclock poll for library timers
		}
	}
}

func settled(session engine.Session) bool {
	return session.HandshakeState().Phase != engine.HandshakeInProgress
}

// Handshake pumps until both sides leave HandshakeInProgress.
func (p *Pair) Handshake(t *testing.T) {
	t.Helper()
	p.PumpUntil(t, "handshake to settle", func() bool {
		return settled(p.Client) && settled(p.Server)
	})
}

// RequireComplete fails unless both sides completed.
func (p *Pair) RequireComplete(t *testing.T) {
	t.Helper()
	for name, session := range map[string]engine.Session{"client": p.Client, "server": p.Server} {
		if state := session.HandshakeState(); state.Phase != engine.HandshakeComplete {
			t.Fatalf("%s handshake state = %s, want complete", name, state)
		}
	}
}

// Exchange writes messages from one side and reads them back on the
// other, in order.
func (p *Pair) Exchange(t *testing.T, from, to engine.Session, messages []string) {
	t.Helper()
	for _, text := range messages {
		if err := from.WriteApplicationData([]byte(text)); err != nil {
			t.Fatalf("WriteApplicationData(%q) error: %v", text, err)
		}
	}
	var received []string
	p.PumpUntil(t, "application data", func() bool {
		for {
			chunk, ok := to.ReadApplicationData()
			if !ok {
				break
			}
			received = append(received, string(chunk))
		}
		return len(received) >= len(messages)
	})
	for i, text := range messages {
		if received[i] != text {
			t.Fatalf("message %d = %q, want %q", i, received[i], text)
		}
	}
}

// Run checks the behaviour every backend shares in the given mode.
func Run(t *testing.T, backend engine.Backend, datagram bool) {
	t.Run("RoundTrip", func(t *testing.T) {
		pair := NewPair(t, backend, Options{Datagram: datagram})
		pair.Handshake(t)
		pair.RequireComplete(t)

		if !pair.Client.VerifyPeerCertificate(pair.ServerEndpoint.Fingerprint) {
			t.Error("client rejected the pinned server certificate")
		}
		if !pair.Server.VerifyPeerCertificate(pair.ClientEndpoint.Fingerprint) {
			t.Error("server rejected the pinned client certificate")
		}
		if leaf := pair.Client.PeerCertificate(); leaf == nil || !pair.ServerEndpoint.Fingerprint.Matches(leaf) {
			t.Error("client PeerCertificate() is not the server's certificate")
		}

		messages := make([]string, 100)
		for i := range messages {
			messages[i] = fmt.Sprintf("message %03d", i)
		}
		pair.Exchange(t, pair.Client, pair.Server, append([]string{"hello"}, messages...))
		pair.Exchange(t, pair.Server, pair.Client, []string{"hello back"})

		clientKeys, err := pair.Client.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
		if err != nil {
			t.Fatalf("client ExportKeyingMaterial() error: %v", err)
		}
		serverKeys, err := pair.Server.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
		if err != nil {
			t.Fatalf("server ExportKeyingMaterial() error: %v", err)
		}
		if string(clientKeys) != string(serverKeys) || len(clientKeys) != 60 {
			t.Error("exported keying material differs between the sides")
		}
	})

	t.Run("FingerprintMismatch", func(t *testing.T) {
		stranger := NewEndpoint(t)
		pair := NewPair(t, backend, Options{Datagram: datagram, ClientExpects: &stranger.Fingerprint})
		pair.PumpUntil(t, "client to fail", func() bool { return settled(pair.Client) })

		state := pair.Client.HandshakeState()
		if state.Phase != engine.HandshakeFailed || !errors.Is(state.Err, engine.ErrCertificate) {
			t.Fatalf("client state = %s, want failed with ErrCertificate", state)
		}
		if _, ok := pair.Client.ReadApplicationData(); ok {
			t.Error("client produced application data after failing verification")
		}
		if err := pair.Client.WriteApplicationData([]byte("x")); err == nil {
			t.Error("WriteApplicationData succeeded on a failed session")
		}
	})

	t.Run("VerifyAfterCompletion", func(t *testing.T) {
		pair := NewPair(t, backend, Options{Datagram: datagram})
		pair.Handshake(t)
		pair.RequireComplete(t)

		if pair.Server.VerifyPeerCertificate(NewEndpoint(t).Fingerprint) {
			t.Fatal("VerifyPeerCertificate accepted an unrelated fingerprint")
		}
		state := pair.Server.HandshakeState()
		if state.Phase != engine.HandshakeFailed || !errors.Is(state.Err, engine.ErrCertificate) {
			t.Fatalf("server state = %s, want failed with ErrCertificate", state)
		}
	})

	t.Run("WriteBeforeHandshake", func(t *testing.T) {
		pair := NewPair(t, backend, Options{Datagram: datagram})
		if err := pair.Server.WriteApplicationData([]byte("early")); !errors.Is(err, engine.ErrHandshakeIncomplete) {
			t.Fatalf("WriteApplicationData() error = %v, want ErrHandshakeIncomplete", err)
		}
		if _, err := pair.Server.ExportKeyingMaterial("label", nil, 16); !errors.Is(err, engine.ErrHandshakeIncomplete) {
			t.Fatalf("ExportKeyingMaterial() error = %v, want ErrHandshakeIncomplete", err)
		}
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		pair := NewPair(t, backend, Options{Datagram: datagram})
		pair.Handshake(t)
		for i := 0; i < 2; i++ {
			if err := pair.Client.Close(); err != nil {
				t.Fatalf("Close() #%d error: %v", i, err)
			}
		}
		if err := pair.Client.FeedIncoming([]byte{22}); !errors.Is(err, engine.ErrSessionClosed) {
			t.Fatalf("FeedIncoming() after Close error = %v, want ErrSessionClosed", err)
		}
	})

	t.Run("ClassifyFirstFlight", func(t *testing.T) {
		pair := NewPair(t, backend, Options{Datagram: datagram})
		first := pair.WaitOutgoing(t, pair.Client)
		if kind := backend.ClassifyRecord(first, datagram); kind != engine.RecordClientHello {
			t.Fatalf("client's first record classified as %s, want client-hello", kind)
		}
	})
}
