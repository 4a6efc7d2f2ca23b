// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package curve

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Name is the registry name of this engine.
const Name = "curve"

// ProtocolVersion is the only handshake version this engine speaks.
const ProtocolVersion uint8 = 1

// Cipher suites. Both use X25519 key agreement and BLAKE3 transcripts
// and differ only in the record AEAD.
const (
	SuiteChaCha20Poly1305  = "x25519-chacha20poly1305-blake3"
	SuiteXChaCha20Poly1305 = "x25519-xchacha20poly1305-blake3"
)

// DefaultSuites is the suite preference used when Backend.Suites is
// empty.
var DefaultSuites = []string{SuiteChaCha20Poly1305, SuiteXChaCha20Poly1305}

// Backend creates curve sessions. The zero value offers DefaultSuites.
type Backend struct {
	// Suites restricts and orders the cipher suites this side offers
	// (client) or accepts (server). The server picks the first of its
	// own suites that the client offered.
	Suites []string
}

func init() {
	engine.Register(Backend{})
}

// Name returns "curve".
func (Backend) Name() string { return Name }

// SupportsMode reports true for both datagram and stream records.
func (Backend) SupportsMode(bool) bool { return true }

// ClassifyRecord classifies the first record in record.
func (Backend) ClassifyRecord(record []byte, _ bool) engine.RecordKind {
	return Classify(record)
}

// NewSession creates a session. A client session queues its
// ClientHello immediately.
func (b Backend) NewSession(config engine.SessionConfig) (engine.Session, error) {
	config, err := config.Prepare()
	if err != nil {
		return nil, err
	}
	suites := b.Suites
	if len(suites) == 0 {
		suites = DefaultSuites
	}
	for _, suite := range suites {
		if !slices.Contains(DefaultSuites, suite) {
			return nil, fmt.Errorf("%w: unknown curve suite %q", engine.ErrConfiguration, suite)
		}
	}
	return newSession(config, suites)
}
