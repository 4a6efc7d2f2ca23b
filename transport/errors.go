// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"

	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Terminal stage errors. They arrive once, as StateChange.Err on the
// transition to StateFailed, and are matched with errors.Is.
var (
	// ErrConfiguration is returned by constructors for a missing
	// certificate, key, or fingerprint, or an engine that cannot run
	// in the requested record mode.
	ErrConfiguration = engine.ErrConfiguration

	// ErrNegotiationFailed reports a version or cipher mismatch.
	ErrNegotiationFailed = engine.ErrNegotiation

	// ErrCertificateVerificationFailed reports a peer certificate that
	// does not match the expected fingerprint.
	ErrCertificateVerificationFailed = engine.ErrCertificate

	// ErrHandshakeTimeout reports an exhausted retransmission budget or
	// an expired handshake deadline.
	ErrHandshakeTimeout = engine.ErrHandshakeTimeout

	// ErrLowerTransportLost reports that the stage below failed or
	// disconnected without being stopped.
	ErrLowerTransportLost = errors.New("lower transport lost")
)

var (
	// ErrAlreadyBound is returned by Bind when the stage already has a
	// consumer.
	ErrAlreadyBound = errors.New("transport already has a consumer")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("transport stopped")
)
