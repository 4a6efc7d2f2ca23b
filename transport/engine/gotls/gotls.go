// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gotls is the stream engine built on crypto/tls. TLS 1.3 runs
// over an in-memory connection (see package pipe), with client
// certificates required and the peer's certificate pinned by
// fingerprint instead of chain validation.
package gotls

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/bureau-foundation/peerlink/transport/engine"
	"github.com/bureau-foundation/peerlink/transport/engine/pipe"
)

// Name is the registry name of this engine.
const Name = "tls"

// readBufferSize covers one maximum-size TLS record.
const readBufferSize = 1 << 16

// Backend creates crypto/tls sessions.
type Backend struct{}

func init() {
	engine.Register(Backend{})
}

// Name returns "tls".
func (Backend) Name() string { return Name }

// SupportsMode reports true only for stream records.
func (Backend) SupportsMode(datagram bool) bool { return !datagram }

// ClassifyRecord parses the TLS record header.
func (Backend) ClassifyRecord(record []byte, _ bool) engine.RecordKind {
	return engine.ClassifyTLS(record)
}

// NewSession starts a TLS 1.3 handshake in the configured role. The
// handshake has no timer of its own; the session owner bounds it.
func (Backend) NewSession(config engine.SessionConfig) (engine.Session, error) {
	config, err := config.Prepare()
	if err != nil {
		return nil, err
	}
	if config.Datagram {
		return nil, fmt.Errorf("%w: %s requires stream mode", engine.ErrUnsupportedMode, Name)
	}

	session := pipe.NewSession(config)
	tlsConfig := &tls.Config{
		Certificates:           []tls.Certificate{config.Certificate},
		MinVersion:             tls.VersionTLS13,
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  session.VerifyConnection,
		ClientAuth:             tls.RequireAnyClientCert,
		SessionTicketsDisabled: true,
		ServerName:             config.ServerName,
	}

	var conn *tls.Conn
	if config.Role == engine.RoleClient {
		conn = tls.Client(session.Conn(), tlsConfig)
	} else {
		conn = tls.Server(session.Conn(), tlsConfig)
	}
	session.Start(driver{conn}, classify, 0, readBufferSize)
	return session, nil
}

// driver adapts *tls.Conn to pipe.Driver.
type driver struct {
	*tls.Conn
}

func (d driver) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := d.Conn.ConnectionState()
	if !state.HandshakeComplete {
		return nil, engine.ErrHandshakeIncomplete
	}
	return state.ExportKeyingMaterial(label, context, length)
}

// classify maps crypto/tls handshake errors onto the engine sentinels.
// Alerts arrive as "remote error: tls: <description>".
func classify(err error) error {
	message := err.Error()
	for _, marker := range []string{"bad certificate", "unknown certificate", "unsupported certificate", "certificate required"} {
		if strings.Contains(message, marker) {
			return fmt.Errorf("%w: %v", engine.ErrCertificate, err)
		}
	}
	return fmt.Errorf("%w: %v", engine.ErrNegotiation, err)
}
