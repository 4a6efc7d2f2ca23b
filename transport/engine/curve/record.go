// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package curve

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bureau-foundation/peerlink/transport/engine"
)

const (
	recordAlert       uint8 = engine.ContentAlert
	recordHandshake   uint8 = engine.ContentHandshake
	recordApplication uint8 = engine.ContentApplicationData

	// recordVersion marks curve records. It cannot collide with the
	// DTLS (0xfe) or TLS (0x03) major version byte.
	recordVersion uint8 = 0xc1

	recordHeaderSize = 12

	// maxPlaintext is the largest application payload per record.
	maxPlaintext = 1 << 14

	// maxRecordPayload leaves room for AEAD overhead on top of
	// maxPlaintext, and bounds handshake flights.
	maxRecordPayload = maxPlaintext + 256
)

// errIncomplete reports a stream buffer that does not yet hold a whole
// record.
var errIncomplete = errors.New("incomplete record")

type record struct {
	contentType uint8
	sequence    uint64
	payload     []byte
}

// header returns the 12-byte record header, which is also the AEAD
// additional data for application records.
func (r record) header() []byte {
	header := make([]byte, recordHeaderSize)
	header[0] = r.contentType
	header[1] = recordVersion
	binary.BigEndian.PutUint64(header[2:10], r.sequence)
	binary.BigEndian.PutUint16(header[10:12], uint16(len(r.payload)))
	return header
}

func (r record) encode() []byte {
	return append(r.header(), r.payload...)
}

// parseRecord parses the record at the start of data and returns it
// with the number of bytes consumed. The payload aliases data.
func parseRecord(data []byte) (record, int, error) {
	if len(data) < recordHeaderSize {
		return record{}, 0, errIncomplete
	}
	contentType := data[0]
	switch contentType {
	case recordAlert, recordHandshake, recordApplication:
	default:
		return record{}, 0, fmt.Errorf("%w: unknown record type %d", engine.ErrMalformedRecord, contentType)
	}
	if data[1] != recordVersion {
		return record{}, 0, fmt.Errorf("%w: record version 0x%02x", engine.ErrMalformedRecord, data[1])
	}
	length := int(binary.BigEndian.Uint16(data[10:12]))
	if length > maxRecordPayload {
		return record{}, 0, fmt.Errorf("%w: record payload %d bytes exceeds %d", engine.ErrMalformedRecord, length, maxRecordPayload)
	}
	if len(data) < recordHeaderSize+length {
		return record{}, 0, errIncomplete
	}
	return record{
		contentType: contentType,
		sequence:    binary.BigEndian.Uint64(data[2:10]),
		payload:     data[recordHeaderSize : recordHeaderSize+length],
	}, recordHeaderSize + length, nil
}

// Classify reports the kind of the first curve record in data. It
// returns RecordUnknown for anything that is not a curve record.
func Classify(data []byte) engine.RecordKind {
	parsed, _, err := parseRecord(data)
	if err != nil {
		return engine.RecordUnknown
	}
	switch parsed.contentType {
	case recordAlert:
		return engine.RecordAlert
	case recordApplication:
		return engine.RecordApplication
	}
	if len(parsed.payload) == 0 {
		return engine.RecordHandshake
	}
	switch parsed.payload[0] {
	case messageClientHello:
		return engine.RecordClientHello
	case messageServerHello:
		return engine.RecordServerHello
	}
	return engine.RecordHandshake
}

// replayWindowSize is the number of sequence numbers below the highest
// seen that are still tracked.
const replayWindowSize = 64

// replayWindow rejects duplicated or very old datagram sequence
// numbers, as in RFC 6347 §4.1.2.6.
type replayWindow struct {
	initialized bool
	latest      uint64
	seen        uint64 // bit i set: latest-i was accepted
}

// check reports whether sequence may be accepted. It does not record it.
func (w *replayWindow) check(sequence uint64) bool {
	if !w.initialized || sequence > w.latest {
		return true
	}
	offset := w.latest - sequence
	if offset >= replayWindowSize {
		return false
	}
	return w.seen&(1<<offset) == 0
}

// accept records sequence. Call only after the record authenticated.
func (w *replayWindow) accept(sequence uint64) {
	switch {
	case !w.initialized:
		w.initialized = true
		w.latest = sequence
		w.seen = 1
	case sequence > w.latest:
		shift := sequence - w.latest
		if shift >= replayWindowSize {
			w.seen = 1
		} else {
			w.seen = w.seen<<shift | 1
		}
		w.latest = sequence
	default:
		w.seen |= 1 << (w.latest - sequence)
	}
}
