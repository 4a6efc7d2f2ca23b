// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package curve

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/peerlink/lib/codec"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Handshake message types. The hello numbers match TLS so generic
// classification agrees with Classify.
const (
	messageClientHello       uint8 = 1
	messageServerHello       uint8 = 2
	messageCertificate       uint8 = 11
	messageCertificateVerify uint8 = 15
	messageFinished          uint8 = 20
)

const (
	messageHeaderSize = 3
	randomSize        = 32
	keyShareSize      = 32
)

type clientHello struct {
	Versions   []uint8  `cbor:"versions"`
	Suites     []string `cbor:"suites"`
	Random     []byte   `cbor:"random"`
	KeyShare   []byte   `cbor:"key_share"`
	ServerName string   `cbor:"server_name,omitempty"`
}

type serverHello struct {
	Version  uint8  `cbor:"version"`
	Suite    string `cbor:"suite"`
	Random   []byte `cbor:"random"`
	KeyShare []byte `cbor:"key_share"`
}

type certificateMessage struct {
	Chain [][]byte `cbor:"chain"`
}

type certificateVerify struct {
	Signature []byte `cbor:"signature"`
}

type finishedMessage struct {
	MAC []byte `cbor:"mac"`
}

// message is one framed handshake message. raw is the full framing
// (type, length, body) as hashed into the transcript.
type message struct {
	kind uint8
	body []byte
	raw  []byte
}

func encodeMessage(kind uint8, value any) (message, error) {
	body, err := codec.Marshal(value)
	if err != nil {
		return message{}, fmt.Errorf("encoding handshake message %d: %w", kind, err)
	}
	if len(body) > 0xffff {
		return message{}, fmt.Errorf("handshake message %d is %d bytes", kind, len(body))
	}
	raw := make([]byte, messageHeaderSize, messageHeaderSize+len(body))
	raw[0] = kind
	binary.BigEndian.PutUint16(raw[1:3], uint16(len(body)))
	raw = append(raw, body...)
	return message{kind: kind, body: body, raw: raw}, nil
}

// parseFlight splits a handshake record payload into its messages.
func parseFlight(payload []byte) ([]message, error) {
	var messages []message
	for len(payload) > 0 {
		if len(payload) < messageHeaderSize {
			return nil, fmt.Errorf("%w: truncated handshake message header", engine.ErrMalformedRecord)
		}
		length := int(binary.BigEndian.Uint16(payload[1:3]))
		if len(payload) < messageHeaderSize+length {
			return nil, fmt.Errorf("%w: handshake message %d truncated", engine.ErrMalformedRecord, payload[0])
		}
		end := messageHeaderSize + length
		messages = append(messages, message{
			kind: payload[0],
			body: payload[messageHeaderSize:end],
			raw:  payload[:end],
		})
		payload = payload[end:]
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: empty handshake record", engine.ErrMalformedRecord)
	}
	return messages, nil
}

// decodeMessage checks m's type and decodes its body into value.
func decodeMessage(m message, kind uint8, value any) error {
	if m.kind != kind {
		return fmt.Errorf("%w: expected handshake message %d, got %d", engine.ErrMalformedRecord, kind, m.kind)
	}
	if err := codec.Unmarshal(m.body, value); err != nil {
		return fmt.Errorf("%w: decoding handshake message %d: %v", engine.ErrMalformedRecord, kind, err)
	}
	return nil
}

// flightPayload concatenates message framings into one record payload.
func flightPayload(messages ...message) []byte {
	size := 0
	for _, m := range messages {
		size += len(m.raw)
	}
	payload := make([]byte, 0, size)
	for _, m := range messages {
		payload = append(payload, m.raw...)
	}
	return payload
}
