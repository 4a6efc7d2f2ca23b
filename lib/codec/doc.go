// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used for handshake message bodies
// on the wire.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so a given
// message always produces the same bytes; handshake transcripts are
// hashed over exactly what was sent. Decoding reads attacker-controlled
// datagrams, so the decoder forbids indefinite-length items and
// duplicate map keys and caps container sizes.
//
// Struct fields use short cbor tags:
//
//	type hello struct {
//	    Versions  []uint8 `cbor:"v"`
//	    Ephemeral []byte  `cbor:"e"`
//	}
package codec
