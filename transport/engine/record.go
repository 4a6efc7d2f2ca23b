// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "encoding/binary"

// RecordKind classifies the first record of a datagram or stream chunk.
type RecordKind int

const (
	RecordUnknown RecordKind = iota

	// RecordClientHello opens a handshake: the sender is a client.
	RecordClientHello

	// RecordServerHello is the start of a server's first flight (for
	// DTLS this includes HelloVerifyRequest): the sender is a server.
	RecordServerHello

	// RecordHandshake is any other handshake record.
	RecordHandshake

	RecordAlert
	RecordApplication
)

func (k RecordKind) String() string {
	switch k {
	case RecordClientHello:
		return "client-hello"
	case RecordServerHello:
		return "server-hello"
	case RecordHandshake:
		return "handshake"
	case RecordAlert:
		return "alert"
	case RecordApplication:
		return "application"
	default:
		return "unknown"
	}
}

// TLS record content types (RFC 8446 §5.1, shared by DTLS).
const (
	ContentChangeCipherSpec = 20
	ContentAlert            = 21
	ContentHandshake        = 22
	ContentApplicationData  = 23
)

// Handshake message types that identify the sender's role.
const (
	handshakeClientHello        = 1
	handshakeServerHello        = 2
	handshakeHelloVerifyRequest = 3
)

const (
	dtlsRecordHeaderSize = 13
	tlsRecordHeaderSize  = 5
)

// ClassifyDTLS classifies the first DTLS 1.2 record in a datagram.
// Handshake records above epoch zero are encrypted and classified as
// RecordHandshake.
func ClassifyDTLS(datagram []byte) RecordKind {
	if len(datagram) < dtlsRecordHeaderSize {
		return RecordUnknown
	}
	epoch := binary.BigEndian.Uint16(datagram[3:5])
	return classify(datagram[0], datagram[dtlsRecordHeaderSize:], epoch == 0)
}

// ClassifyTLS classifies the first TLS record in a stream chunk.
func ClassifyTLS(chunk []byte) RecordKind {
	if len(chunk) < tlsRecordHeaderSize {
		return RecordUnknown
	}
	return classify(chunk[0], chunk[tlsRecordHeaderSize:], true)
}

func classify(contentType byte, body []byte, plaintext bool) RecordKind {
	switch contentType {
	case ContentAlert:
		return RecordAlert
	case ContentApplicationData:
		return RecordApplication
	case ContentChangeCipherSpec:
		return RecordHandshake
	case ContentHandshake:
		if !plaintext || len(body) == 0 {
			return RecordHandshake
		}
		switch body[0] {
		case handshakeClientHello:
			return RecordClientHello
		case handshakeServerHello, handshakeHelloVerifyRequest:
			return RecordServerHello
		}
		return RecordHandshake
	}
	return RecordUnknown
}
