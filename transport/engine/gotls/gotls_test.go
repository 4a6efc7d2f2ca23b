// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gotls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bureau-foundation/peerlink/transport/engine"
	"github.com/bureau-foundation/peerlink/transport/engine/enginetest"
)

func TestConformance(t *testing.T) {
	enginetest.Run(t, Backend{}, false)
}

func TestRegistered(t *testing.T) {
	backend, err := engine.Lookup(Name)
	if err != nil {
		t.Fatalf("Lookup(%q) error: %v", Name, err)
	}
	if !backend.SupportsMode(false) || backend.SupportsMode(true) {
		t.Error("tls engine should support stream mode only")
	}
}

func TestRejectsDatagramMode(t *testing.T) {
	endpoint := enginetest.NewEndpoint(t)
	_, err := Backend{}.NewSession(engine.SessionConfig{
		Certificate: endpoint.Certificate,
		Role:        engine.RoleClient,
		Datagram:    true,
	})
	if !errors.Is(err, engine.ErrUnsupportedMode) {
		t.Fatalf("NewSession(datagram) error = %v, want ErrUnsupportedMode", err)
	}
}

func TestServerRejectsUnpinnedClient(t *testing.T) {
	pair := enginetest.NewPair(t, Backend{}, enginetest.Options{})
	// Re-pin the server to a stranger by closing the pair's server and
	// building a new one.
	pair.Server.Close()
	stranger := enginetest.NewEndpoint(t)
	server, err := Backend{}.NewSession(engine.SessionConfig{
		Certificate:         pair.ServerEndpoint.Certificate,
		Role:                engine.RoleServer,
		ExpectedFingerprint: stranger.Fingerprint,
	})
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	pair.Server = server

	pair.PumpUntil(t, "server to fail", func() bool {
		return server.HandshakeState().Phase == engine.HandshakeFailed
	})
	if err := server.HandshakeState().Err; !errors.Is(err, engine.ErrCertificate) {
		t.Fatalf("server error = %v, want ErrCertificate", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    error
	}{
		{"remote error: tls: bad certificate", engine.ErrCertificate},
		{"remote error: tls: certificate required", engine.ErrCertificate},
		{"tls: no cipher suite supported by both client and server", engine.ErrNegotiation},
		{"remote error: tls: protocol version not supported", engine.ErrNegotiation},
	}
	for _, test := range tests {
		if got := classify(fmt.Errorf("%s", test.message)); !errors.Is(got, test.want) {
			t.Errorf("classify(%q) = %v, want %v", test.message, got, test.want)
		}
	}
}
