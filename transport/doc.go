// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is a layered secure-transport pipeline: a network
// stage at the bottom, a DTLS or TLS security stage above it, and
// stream or media stages above that. Every layer implements
// [Transport]: Start, Stop, Send, State, and Bind. Bind installs the
// single upward consumer of a stage as a pair of [Callbacks]; a stage
// receives from below through the callbacks it bound on its lower
// stage. Send returns whether the stage accepted the message for
// processing, never whether it was delivered, so backpressure is a
// refused Send rather than a blocked caller.
//
// Lifecycle moves through [State] values with a fixed set of allowed
// edges. Each accepted transition is reported exactly once through
// OnStateChange, on a per-stage dispatcher goroutine and never under a
// stage lock, so a consumer may call Stop from inside a callback.
// Failed is terminal, and so is the Disconnected reached through Stop.
//
// Lower stages:
//
//   - [NewMemoryPair]: two connected in-process stages with seeded loss
//     and latency, for tests and simulation.
//   - [UDPTransport]: one UDP socket talking to one peer.
//   - [TCPTransport]: one stream connection, dialed or accepted.
//   - [ICETransport]: a pion ICE agent, with [ICEParameters] exchanged
//     through signaling.
//   - [Demux]: splits one lower stage into DTLS and media endpoints by
//     first byte (RFC 7983).
//
// [SecureTransport] runs a handshake session from a crypto backend
// (package engine) over any lower stage. The role may be fixed or left
// to [RoleAuto], in which case it resolves from the first handshake
// records with a fingerprint tie-break. Plaintext flows upward only
// after the handshake completes and the peer certificate matches the
// configured fingerprint.
//
// Upper stages:
//
//   - [SRTPTransport]: SRTP and SRTCP keyed from the DTLS session
//     through SecureConfig.OnHandshakeComplete.
//   - [Association]: an SCTP association over a secure stage, carrying
//     data channels exposed as [DataChannelConn].
//   - [CompressTransport]: per-message LZ4 or zstd compression that
//     keeps each message's Kind across the secure stage.
//
// [Message] values are immutable. Stages that rewrite payloads build a
// new Message through [MessageBuilder] or [RTPBuilder].
package transport
