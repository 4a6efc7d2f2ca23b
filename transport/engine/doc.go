// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the seam between the secure transport stage
// and the crypto library that actually runs the handshake.
//
// A Backend creates Sessions. A Session is driven entirely from the
// outside in sans-I/O style: the secure stage feeds it records that
// arrived from the network (FeedIncoming), collects the records it
// wants sent (DrainOutgoing), polls HandshakeState, and moves
// application bytes in and out (WriteApplicationData,
// ReadApplicationData). Datagram engines also expose their
// retransmission timer (RetransmissionDeadline) so the stage can wake
// up and call Retransmit on time.
//
// Engines that wrap a library with its own goroutines (pion/dtls,
// crypto/tls) present the same surface by running the library over an
// in-memory connection and calling SessionConfig.Notify whenever new
// output, plaintext, or a state change becomes available.
//
// Engines register themselves by name with Register, usually from an
// init function, so a binary selects one by importing its package and
// naming it in configuration:
//
//	import _ "github.com/bureau-foundation/peerlink/transport/engine/piondtls"
//
//	backend, err := engine.Lookup("dtls")
//
// Failure reasons are sentinel errors. A session whose HandshakeState
// is HandshakeFailed carries one of ErrNegotiation, ErrCertificate,
// ErrHandshakeTimeout, or ErrMalformedRecord (possibly wrapped), so the
// stage above can tell a cipher mismatch from a fingerprint mismatch
// with errors.Is.
package engine
