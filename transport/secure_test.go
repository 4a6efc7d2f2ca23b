// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/testutil"
	"github.com/bureau-foundation/peerlink/transport/engine"
	"github.com/bureau-foundation/peerlink/transport/engine/curve"
	"github.com/bureau-foundation/peerlink/transport/engine/gotls"
	"github.com/bureau-foundation/peerlink/transport/engine/piondtls"
)

const waitTimeout = 10 * time.Second

type identity struct {
	certificate tls.Certificate
	fingerprint certificate.Fingerprint
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	pair, err := certificate.Generate(certificate.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprint, err := certificate.OfTLS(pair)
	if err != nil {
		t.Fatalf("OfTLS() error: %v", err)
	}
	return identity{certificate: pair, fingerprint: fingerprint}
}

// recorder captures a stage's callbacks. It fails the test if a
// message arrives before the stage reported StateConnected.
type recorder struct {
	t         *testing.T
	name      string
	messages  chan Message
	states    chan StateChange
	connected atomic.Bool
}

func record(t *testing.T, name string, stage Transport) *recorder {
	t.Helper()
	r := &recorder{
		t:        t,
		name:     name,
		messages: make(chan Message, 1024),
		states:   make(chan StateChange, 64),
	}
	err := stage.Bind(Callbacks{
		OnMessage: func(message Message) {
			if !r.connected.Load() {
				t.Errorf("%s delivered %q before reporting connected", name, message.String())
			}
			r.messages <- message
		},
		OnStateChange: func(change StateChange) {
			if change.Current == StateConnected {
				r.connected.Store(true)
			}
			r.states <- change
		},
	})
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	return r
}

// waitFor reads state changes until want arrives. Reaching a different
// terminal state first fails the test.
func (r *recorder) waitFor(want State) StateChange {
	r.t.Helper()
	for {
		change := testutil.RequireReceive(r.t, r.states, waitTimeout, "%s waiting for %s", r.name, want)
		if change.Current == want {
			return change
		}
		if change.Current == StateFailed {
			r.t.Fatalf("%s failed while waiting for %s: %v", r.name, want, change.Err)
		}
	}
}

// receive reads count messages and returns their text.
func (r *recorder) receive(count int) []string {
	r.t.Helper()
	texts := make([]string, 0, count)
	for len(texts) < count {
		message := testutil.RequireReceive(r.t, r.messages, waitTimeout, "%s waiting for message %d", r.name, len(texts))
		texts = append(texts, message.String())
	}
	return texts
}

type pairOptions struct {
	backend  engine.Backend
	datagram bool
	memory   MemoryConfig
	// auto makes both sides RoleAuto instead of client and server.
	auto bool
	// aExpects overrides the fingerprint side A pins.
	aExpects *certificate.Fingerprint
	mutate   func(*SecureConfig)
	// unbound leaves both stages without a consumer.
	unbound bool
}

type securePair struct {
	a, b                 *SecureTransport
	lowerA, lowerB       *MemoryTransport
	recordA, recordB     *recorder
	identityA, identityB identity
}

func newSecurePair(t *testing.T, options pairOptions) *securePair {
	t.Helper()
	if options.backend == nil {
		options.backend = curve.Backend{}
	}
	roleA, roleB := RoleClient, RoleServer
	if options.auto {
		roleA, roleB = RoleAuto, RoleAuto
	}
	identityA, identityB := newIdentity(t), newIdentity(t)
	lowerA, lowerB := NewMemoryPair(options.memory)

	expectedByA := identityB.fingerprint
	if options.aExpects != nil {
		expectedByA = *options.aExpects
	}
	build := func(lower Transport, role Role, self identity, remote certificate.Fingerprint) *SecureTransport {
		config := SecureConfig{
			Role:                role,
			Certificate:         self.certificate,
			RemoteFingerprint:   remote,
			Datagram:            options.datagram,
			Backend:             options.backend,
			RetransmitInterval:  50 * time.Millisecond,
			MaxHandshakeRetries: 40,
			HandshakeTimeout:    waitTimeout,
		}
		if options.mutate != nil {
			options.mutate(&config)
		}
		secure, err := NewSecureTransport(lower, config)
		if err != nil {
			t.Fatalf("NewSecureTransport() error: %v", err)
		}
		t.Cleanup(func() { secure.Stop() })
		return secure
	}
	pair := &securePair{
		a:         build(lowerA, roleA, identityA, expectedByA),
		b:         build(lowerB, roleB, identityB, identityA.fingerprint),
		lowerA:    lowerA,
		lowerB:    lowerB,
		identityA: identityA,
		identityB: identityB,
	}
	if !options.unbound {
		pair.recordA = record(t, "a", pair.a)
		pair.recordB = record(t, "b", pair.b)
	}
	return pair
}

// start starts both sides concurrently.
func (p *securePair) start(t *testing.T) {
	t.Helper()
	var group sync.WaitGroup
	for _, stage := range []*SecureTransport{p.a, p.b} {
		group.Add(1)
		go func() {
			defer group.Done()
			if err := stage.Start(); err != nil {
				t.Errorf("Start() error: %v", err)
			}
		}()
	}
	group.Wait()
}

func (p *securePair) connect(t *testing.T) {
	t.Helper()
	p.start(t)
	p.recordA.waitFor(StateConnected)
	p.recordB.waitFor(StateConnected)
}

// engineModes lists every engine with each record mode it supports.
var engineModes = []struct {
	name     string
	backend  engine.Backend
	datagram bool
}{
	{"curve/datagram", curve.Backend{}, true},
	{"curve/stream", curve.Backend{}, false},
	{"dtls/datagram", piondtls.Backend{}, true},
	{"tls/stream", gotls.Backend{}, false},
}

func TestSecureRoundTrip(t *testing.T) {
	for _, test := range engineModes {
		t.Run(test.name, func(t *testing.T) {
			pair := newSecurePair(t, pairOptions{backend: test.backend, datagram: test.datagram})
			pair.connect(t)

			if !pair.a.Send(StringMessage("hello")) {
				t.Fatal("Send(hello) rejected after connect")
			}
			if got := pair.recordB.receive(1); got[0] != "hello" {
				t.Fatalf("received %q, want hello", got[0])
			}
			testutil.RequireNoReceive(t, pair.recordB.messages, 50*time.Millisecond, "hello delivered twice")

			const count = 100
			for i := 0; i < count; i++ {
				if !pair.a.Send(StringMessage(fmt.Sprintf("message-%03d", i))) {
					t.Fatalf("Send(%d) rejected", i)
				}
			}
			for i, got := range pair.recordB.receive(count) {
				if want := fmt.Sprintf("message-%03d", i); got != want {
					t.Fatalf("message %d = %q, want %q", i, got, want)
				}
			}

			if !pair.b.Send(StringMessage("reply")) {
				t.Fatal("Send(reply) rejected")
			}
			if got := pair.recordA.receive(1); got[0] != "reply" {
				t.Fatalf("received %q, want reply", got[0])
			}

			if pair.a.Role() != RoleClient || pair.b.Role() != RoleServer {
				t.Errorf("roles = %s/%s, want client/server", pair.a.Role(), pair.b.Role())
			}
			if peer := pair.a.PeerCertificate(); peer == nil || !pair.identityB.fingerprint.Matches(peer) {
				t.Error("client's peer certificate is not the server's")
			}
			stats := pair.a.Stats()
			if stats.RecordsSent == 0 || stats.BytesSent == 0 || stats.RecordsReceived == 0 {
				t.Errorf("client stats = %+v, want traffic counted", stats)
			}
			if got := pair.b.Stats().MessagesDelivered; got != count+1 {
				t.Errorf("server delivered %d messages, want %d", got, count+1)
			}
		})
	}
}

func TestSecureExportKeyingMaterial(t *testing.T) {
	var hookCalls atomic.Int32
	pair := newSecurePair(t, pairOptions{
		datagram: true,
		mutate: func(config *SecureConfig) {
			config.OnHandshakeComplete = func(keys KeyingMaterial) error {
				if _, err := keys.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60); err != nil {
					return err
				}
				hookCalls.Add(1)
				return nil
			}
		},
	})
	if _, err := pair.a.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60); !errors.Is(err, engine.ErrHandshakeIncomplete) {
		t.Fatalf("ExportKeyingMaterial before connect error = %v, want ErrHandshakeIncomplete", err)
	}
	pair.connect(t)

	clientKeys, err := pair.a.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
	if err != nil {
		t.Fatalf("client ExportKeyingMaterial() error: %v", err)
	}
	serverKeys, err := pair.b.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
	if err != nil {
		t.Fatalf("server ExportKeyingMaterial() error: %v", err)
	}
	if !bytes.Equal(clientKeys, serverKeys) {
		t.Error("client and server exported different keying material")
	}
	if got := hookCalls.Load(); got != 2 {
		t.Errorf("OnHandshakeComplete ran %d times, want 2", got)
	}
}

func TestSecureHookErrorFailsStage(t *testing.T) {
	hookErr := errors.New("no srtp profile")
	pair := newSecurePair(t, pairOptions{
		datagram: true,
		mutate: func(config *SecureConfig) {
			config.OnHandshakeComplete = func(KeyingMaterial) error { return hookErr }
		},
	})
	pair.start(t)
	change := pair.recordA.waitFor(StateFailed)
	if !errors.Is(change.Err, hookErr) {
		t.Fatalf("failure = %v, want the hook's error", change.Err)
	}
}

func TestSecureFingerprintMismatch(t *testing.T) {
	for _, test := range engineModes {
		t.Run(test.name, func(t *testing.T) {
			stranger := newIdentity(t)
			pair := newSecurePair(t, pairOptions{
				backend:  test.backend,
				datagram: test.datagram,
				aExpects: &stranger.fingerprint,
				mutate: func(config *SecureConfig) {
					config.HandshakeTimeout = 5 * time.Second
				},
			})
			started := time.Now() //nolint:realclock measures how fast the mismatch is reported
			pair.start(t)

			change := pair.recordA.waitFor(StateFailed)
			if !errors.Is(change.Err, ErrCertificateVerificationFailed) {
				t.Fatalf("client failure = %v, want ErrCertificateVerificationFailed", change.Err)
			}
			if elapsed := time.Since(started); elapsed >= 5*time.Second { //nolint:realclock see above
				t.Errorf("mismatch reported after %v, the handshake deadline", elapsed)
			}
			if pair.a.Send(StringMessage("secret")) {
				t.Error("Send accepted on a failed stage")
			}
			testutil.RequireNoReceive(t, pair.recordA.messages, 100*time.Millisecond, "client received plaintext")
			testutil.RequireNoReceive(t, pair.recordB.messages, 100*time.Millisecond, "server received plaintext")
			if pair.recordA.connected.Load() {
				t.Error("client reported connected despite the mismatch")
			}
		})
	}
}

func TestSecureHandshakeUnderLoss(t *testing.T) {
	for _, test := range engineModes {
		if !test.datagram {
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			pair := newSecurePair(t, pairOptions{
				backend:  test.backend,
				datagram: true,
				memory:   MemoryConfig{LossRate: 0.1, Seed: 7},
				mutate: func(config *SecureConfig) {
					config.RetransmitInterval = 20 * time.Millisecond
				},
			})
			pair.connect(t)
			if _, libraryTimer := test.backend.(piondtls.Backend); libraryTimer {
				if got := pair.a.Stats().Retransmits; got != 0 {
					t.Errorf("Retransmits = %d for an engine with its own flight timer, want 0", got)
				}
			}

			// Messages may be lost too; only order and integrity are checked.
			for i := 0; i < 50; i++ {
				pair.a.Send(StringMessage(fmt.Sprintf("lossy-%02d", i)))
			}
			last := -1
			for {
				select {
				case message := <-pair.recordB.messages:
					var index int
					if _, err := fmt.Sscanf(message.String(), "lossy-%02d", &index); err != nil {
						t.Fatalf("unexpected message %q", message.String())
					}
					if index <= last {
						t.Fatalf("message %d arrived after %d", index, last)
					}
					last = index
				case <-time.After(200 * time.Millisecond): //nolint:realclock settle window for lossy delivery
					if _, lost := pair.lowerA.Counts(); lost == 0 {
						t.Error("loss simulation dropped nothing")
					}
					return
				}
			}
		})
	}
}

func TestSecureAutoSimultaneousOpen(t *testing.T) {
	for _, test := range engineModes {
		t.Run(test.name, func(t *testing.T) {
			pair := newSecurePair(t, pairOptions{backend: test.backend, datagram: test.datagram, auto: true})
			if pair.a.Role() != RoleAuto {
				t.Fatalf("Role() before start = %s, want unknown", pair.a.Role())
			}
			pair.connect(t)

			clients := 0
			for _, stage := range []*SecureTransport{pair.a, pair.b} {
				switch stage.Role() {
				case RoleClient:
					clients++
				case RoleServer:
				default:
					t.Fatalf("role unresolved after connect: %s", stage.Role())
				}
			}
			if clients != 1 {
				t.Fatalf("%d sides resolved as client, want exactly 1", clients)
			}
			lowerServer := pair.a
			if pair.identityB.fingerprint.Compare(pair.identityA.fingerprint) < 0 {
				lowerServer = pair.b
			}
			if !test.datagram && lowerServer.Role() != RoleServer {
				t.Error("stream auto mode did not make the lower fingerprint the server")
			}

			pair.a.Send(StringMessage("after auto"))
			if got := pair.recordB.receive(1); got[0] != "after auto" {
				t.Fatalf("received %q", got[0])
			}
		})
	}
}

func TestSecureStopIsIdempotent(t *testing.T) {
	pair := newSecurePair(t, pairOptions{datagram: true})
	pair.connect(t)

	if err := pair.a.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	pair.recordA.waitFor(StateDisconnecting)
	pair.recordA.waitFor(StateDisconnected)
	if err := pair.a.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	testutil.RequireNoReceive(t, pair.recordA.states, 100*time.Millisecond, "callbacks after second Stop")

	if pair.a.Send(StringMessage("late")) {
		t.Error("Send accepted after Stop")
	}
	if err := pair.a.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
	if pair.lowerA.State() != StateDisconnected {
		t.Errorf("lower state after Stop = %s, want disconnected", pair.lowerA.State())
	}
}

func TestSecureStopFromCallback(t *testing.T) {
	identityA, identityB := newIdentity(t), newIdentity(t)
	lowerA, lowerB := NewMemoryPair(MemoryConfig{})
	build := func(lower Transport, role Role, self identity, remote certificate.Fingerprint) *SecureTransport {
		secure, err := NewSecureTransport(lower, SecureConfig{
			Role:              role,
			Certificate:       self.certificate,
			RemoteFingerprint: remote,
			Datagram:          true,
			Backend:           curve.Backend{},
		})
		if err != nil {
			t.Fatalf("NewSecureTransport() error: %v", err)
		}
		t.Cleanup(func() { secure.Stop() })
		return secure
	}
	client := build(lowerA, RoleClient, identityA, identityB.fingerprint)
	server := build(lowerB, RoleServer, identityB, identityA.fingerprint)

	stopped := make(chan struct{})
	client.Bind(Callbacks{OnStateChange: func(change StateChange) {
		if change.Current == StateConnected {
			client.Stop()
			close(stopped)
		}
	}})
	server.Start()
	client.Start()
	testutil.RequireClosed(t, stopped, waitTimeout, "Stop from inside a callback returned")
	testutil.Eventually(t, waitTimeout, func() bool { return client.State() == StateDisconnected }, "client disconnected")
}

func TestSecureLowerTransportLost(t *testing.T) {
	pair := newSecurePair(t, pairOptions{datagram: true})
	pair.connect(t)

	pair.lowerA.Break()
	for _, recorder := range []*recorder{pair.recordA, pair.recordB} {
		change := recorder.waitFor(StateFailed)
		if !errors.Is(change.Err, ErrLowerTransportLost) {
			t.Errorf("%s failure = %v, want ErrLowerTransportLost", recorder.name, change.Err)
		}
	}
	if pair.a.Send(StringMessage("after break")) {
		t.Error("Send accepted after the lower stage failed")
	}
}

func TestSecureHandshakeTimeout(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SecureConfig)
	}{
		{"deadline", func(config *SecureConfig) {
			config.HandshakeTimeout = 300 * time.Millisecond
			config.RetransmitInterval = 50 * time.Millisecond
			config.MaxHandshakeRetries = 1000
		}},
		{"retransmission budget", func(config *SecureConfig) {
			config.RetransmitInterval = 10 * time.Millisecond
			config.MaxHandshakeRetries = 2
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			peer := newIdentity(t)
			self := newIdentity(t)
			lower, _ := NewMemoryPair(MemoryConfig{})
			config := SecureConfig{
				Role:              RoleClient,
				Certificate:       self.certificate,
				RemoteFingerprint: peer.fingerprint,
				Datagram:          true,
				Backend:           curve.Backend{},
			}
			test.mutate(&config)
			secure, err := NewSecureTransport(lower, config)
			if err != nil {
				t.Fatalf("NewSecureTransport() error: %v", err)
			}
			t.Cleanup(func() { secure.Stop() })
			recorder := record(t, "client", secure)
			if err := secure.Start(); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			change := recorder.waitFor(StateFailed)
			if !errors.Is(change.Err, ErrHandshakeTimeout) {
				t.Fatalf("failure = %v, want ErrHandshakeTimeout", change.Err)
			}
		})
	}
}

func TestSecureNegotiationFailure(t *testing.T) {
	pair := newSecurePair(t, pairOptions{
		datagram: true,
		backend:  curve.Backend{Suites: []string{curve.SuiteChaCha20Poly1305}},
	})
	// Give side B a backend with no suite in common.
	pair.b.config.Backend = curve.Backend{Suites: []string{curve.SuiteXChaCha20Poly1305}}
	pair.start(t)
	change := pair.recordA.waitFor(StateFailed)
	if !errors.Is(change.Err, ErrNegotiationFailed) {
		t.Fatalf("failure = %v, want ErrNegotiationFailed", change.Err)
	}
	if errors.Is(change.Err, ErrCertificateVerificationFailed) {
		t.Fatal("negotiation failure also matched the certificate error")
	}
}

func TestSecureConfigurationErrors(t *testing.T) {
	self, peer := newIdentity(t), newIdentity(t)
	valid := SecureConfig{
		Certificate:       self.certificate,
		RemoteFingerprint: peer.fingerprint,
		Datagram:          true,
		Backend:           curve.Backend{},
	}
	tests := []struct {
		name   string
		mutate func(*SecureConfig)
	}{
		{"missing certificate", func(c *SecureConfig) { c.Certificate = tls.Certificate{} }},
		{"missing private key", func(c *SecureConfig) { c.Certificate.PrivateKey = nil }},
		{"missing fingerprint", func(c *SecureConfig) { c.RemoteFingerprint = certificate.Fingerprint{} }},
		{"missing backend", func(c *SecureConfig) { c.Backend = nil }},
		{"stream engine in datagram mode", func(c *SecureConfig) { c.Backend = gotls.Backend{} }},
		{"datagram engine in stream mode", func(c *SecureConfig) {
			c.Backend = piondtls.Backend{}
			c.Datagram = false
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := valid
			test.mutate(&config)
			lower, _ := NewMemoryPair(MemoryConfig{})
			if _, err := NewSecureTransport(lower, config); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("NewSecureTransport() error = %v, want ErrConfiguration", err)
			}
		})
	}

	lower, _ := NewMemoryPair(MemoryConfig{})
	if _, err := NewSecureTransport(lower, valid); err != nil {
		t.Fatalf("NewSecureTransport(valid) error: %v", err)
	}
	if _, err := NewSecureTransport(lower, valid); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("second stage over one lower error = %v, want ErrConfiguration", err)
	}
}

func TestSecureIncomingQueueBackpressure(t *testing.T) {
	self, peer := newIdentity(t), newIdentity(t)
	lower, _ := NewMemoryPair(MemoryConfig{})
	secure, err := NewSecureTransport(lower, SecureConfig{
		Certificate:       self.certificate,
		RemoteFingerprint: peer.fingerprint,
		Datagram:          true,
		Backend:           curve.Backend{},
		IncomingQueueSize: 2,
	})
	if err != nil {
		t.Fatalf("NewSecureTransport() error: %v", err)
	}

	// No worker runs before Start, so the queue fills.
	for i := 0; i < 5; i++ {
		secure.Incoming(NewMessage(KindBinary, []byte{byte(i)}))
	}
	if got := secure.PendingOperations(); got != 2 {
		t.Errorf("PendingOperations() = %d, want 2", got)
	}
	if got := secure.Stats().RecordsDropped; got != 3 {
		t.Errorf("RecordsDropped = %d, want 3", got)
	}
	if secure.Send(StringMessage("early")) {
		t.Error("Send accepted before the handshake")
	}

	secure.Stop()
	secure.Incoming(NewMessage(KindBinary, []byte{9}))
	if got := secure.Stats().RecordsDropped; got != 3 {
		t.Errorf("Incoming after Stop counted as a drop: %d", got)
	}
}
