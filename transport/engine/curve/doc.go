// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package curve is a sans-I/O secure-session engine built directly on
// X25519, ChaCha20-Poly1305, HKDF-SHA256, and BLAKE3. It needs no
// goroutines: every state change happens inside a FeedIncoming,
// Retransmit, or WriteApplicationData call.
//
// Wire format. Every record has a 12-byte header:
//
//	[type: 1] [version: 0xc1] [sequence: 8, big-endian] [length: 2]
//
// Record types reuse the TLS content-type numbers (21 alert, 22
// handshake, 23 application) so curve datagrams land on the DTLS side
// of an RFC 7983 demultiplexer. A handshake record carries one flight:
// a run of [message type: 1][length: 2][CBOR body] entries.
//
// The handshake is four flights:
//
//	client: ClientHello {versions, suites, random, key share}
//	server: ServerHello {version, suite, random, key share}
//	        Certificate, CertificateVerify
//	client: Certificate, CertificateVerify, Finished
//	server: Finished
//
// Both sides hash every handshake message into a BLAKE3 transcript.
// The X25519 shared secret, salted with the transcript of the two
// hellos, yields the master secret through HKDF-SHA256. Per-direction
// AEAD keys, finished keys, and the exporter secret are expanded from
// it. CertificateVerify signs the transcript with the certificate's
// key; Finished is a BLAKE3 keyed hash of the transcript.
//
// Application records use the negotiated AEAD with the sequence number
// as nonce and the record header as additional data.
//
// In datagram mode the client retransmits its flight with exponential
// backoff until the server's next flight arrives. The server answers a
// repeated flight by resending its reply. Damaged datagrams are
// dropped, and a 64-entry replay window rejects duplicated application
// records. In stream mode there are no timers, and any framing or
// authentication error fails the session.
package curve
