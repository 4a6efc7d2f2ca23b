// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compile-time interface check.
var _ Transport = (*CompressTransport)(nil)

// Compression identifies how a payload is compressed on the wire. The
// values are protocol constants.
type Compression uint8

const (
	// CompressionNone sends payloads as they are.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: fast, modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level: better ratio for
	// text.
	CompressionZstd Compression = 2
)

const (
	// DefaultCompressThreshold is the smallest payload worth
	// compressing.
	DefaultCompressThreshold = 64

	// DefaultMaxMessageSize bounds a decompressed payload.
	DefaultMaxMessageSize = 1 << 20

	// maxDecoderMemory caps zstd window allocation whatever the
	// configured message size.
	maxDecoderMemory = 1 << 24
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4", or "zstd". The empty string is
// none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrConfiguration, name)
	}
}

var (
	errIncompressible = errors.New("payload is incompressible")
	errCorruptFrame   = errors.New("corrupt compressed frame")
)

// zstd encoders and decoders are safe for concurrent EncodeAll and
// DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoderMemory))
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressConfig configures a compression stage.
type CompressConfig struct {
	// Compression is the algorithm for outgoing payloads. Incoming
	// payloads are decoded whatever algorithm the peer chose.
	Compression Compression

	// Threshold is the smallest payload compressed. Zero means
	// DefaultCompressThreshold.
	Threshold int

	// MaxMessageSize bounds decompressed payloads. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize int

	Logger *slog.Logger
}

// CompressStats counts traffic through a compression stage.
type CompressStats struct {
	Compressed uint64
	Stored     uint64
	// Rejected counts incoming frames that failed to decode.
	Rejected uint64
	// PayloadBytes and WireBytes total outgoing payloads before and
	// after compression.
	PayloadBytes uint64
	WireBytes    uint64
}

// CompressTransport compresses application messages above a secure
// stage. Each frame is one header byte (compression in the low four
// bits, message Kind in the high four), then for compressed frames the
// payload length as a uvarint and the compressed bytes. Carrying the
// Kind lets string and binary messages keep their tag across stages
// that only move bytes. Payloads below the threshold, or that do not
// shrink, travel stored.
type CompressTransport struct {
	*stage

	lower  Transport
	config CompressConfig

	compressed   atomic.Uint64
	stored       atomic.Uint64
	rejected     atomic.Uint64
	payloadBytes atomic.Uint64
	wireBytes    atomic.Uint64
}

// NewCompressTransport binds lower.
func NewCompressTransport(lower Transport, config CompressConfig) (*CompressTransport, error) {
	if config.Compression > CompressionZstd {
		return nil, fmt.Errorf("%w: unknown compression %s", ErrConfiguration, config.Compression)
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultCompressThreshold
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	t := &CompressTransport{
		stage:  newStage("compress", config.Logger),
		lower:  lower,
		config: config,
	}
	if err := lower.Bind(Callbacks{OnMessage: t.incoming, OnStateChange: t.lowerStateChanged}); err != nil {
		return nil, fmt.Errorf("%w: binding compression: %v", ErrConfiguration, err)
	}
	return t, nil
}

// Start starts the lower stage.
func (t *CompressTransport) Start() error {
	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	t.transition(StateConnecting, nil)
	if err := t.lower.Start(); err != nil {
		t.transition(StateFailed, err)
		return err
	}
	if t.lower.State().Established() {
		t.transition(StateConnected, nil)
	}
	return nil
}

// Stop stops the lower stage.
func (t *CompressTransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.lower.Stop()
	t.shutdown()
	t.finish()
	return nil
}

// Send compresses message and passes it down.
func (t *CompressTransport) Send(message Message) bool {
	if !t.State().Established() {
		return false
	}
	frame, compressed, err := encodeFrame(message, t.config.Compression, t.config.Threshold)
	if err != nil {
		t.logger.Debug("dropping uncompressible message", "error", err)
		return false
	}
	if !t.lower.Send(Message{data: frame}) {
		return false
	}
	if compressed {
		t.compressed.Add(1)
	} else {
		t.stored.Add(1)
	}
	t.payloadBytes.Add(uint64(message.Len()))
	t.wireBytes.Add(uint64(len(frame)))
	return true
}

func (t *CompressTransport) incoming(message Message) {
	if !t.State().Established() {
		return
	}
	decoded, err := decodeFrame(message.payload(), t.config.MaxMessageSize)
	if err != nil {
		t.rejected.Add(1)
		t.logger.Debug("rejecting compressed frame", "error", err)
		return
	}
	t.deliver(decoded)
}

func (t *CompressTransport) lowerStateChanged(change StateChange) {
	switch {
	case change.Current.Established():
		if !t.isStopped() {
			t.transition(StateConnected, nil)
		}
	case change.Current == StateFailed:
		err := change.Err
		if err == nil {
			err = ErrLowerTransportLost
		}
		t.transition(StateFailed, err)
	case change.Current == StateDisconnected:
		if !t.isStopped() {
			t.transition(StateDisconnected, nil)
		}
	}
}

// Stats returns the traffic counters.
func (t *CompressTransport) Stats() CompressStats {
	return CompressStats{
		Compressed:   t.compressed.Load(),
		Stored:       t.stored.Load(),
		Rejected:     t.rejected.Load(),
		PayloadBytes: t.payloadBytes.Load(),
		WireBytes:    t.wireBytes.Load(),
	}
}

// encodeFrame builds the wire frame for message. It reports whether the
// payload was compressed.
func encodeFrame(message Message, compression Compression, threshold int) ([]byte, bool, error) {
	payload := message.payload()
	header := byte(message.Kind())<<4 | byte(CompressionNone)
	if message.Kind() > 0x0f {
		return nil, false, fmt.Errorf("kind %s does not fit a frame header", message.Kind())
	}
	if compression != CompressionNone && len(payload) >= threshold {
		body, err := compressPayload(payload, compression)
		if err == nil {
			frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
			frame[0] = byte(message.Kind())<<4 | byte(compression)
			frame = binary.AppendUvarint(frame, uint64(len(payload)))
			return append(frame, body...), true, nil
		}
		if !errors.Is(err, errIncompressible) {
			return nil, false, err
		}
	}
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, header)
	return append(frame, payload...), false, nil
}

// decodeFrame parses a wire frame back into a Message.
func decodeFrame(frame []byte, maxSize int) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", errCorruptFrame)
	}
	kind := Kind(frame[0] >> 4)
	compression := Compression(frame[0] & 0x0f)
	body := frame[1:]
	if compression == CompressionNone {
		if len(body) > maxSize {
			return Message{}, fmt.Errorf("%w: %d byte payload exceeds %d", errCorruptFrame, len(body), maxSize)
		}
		return NewMessage(kind, body), nil
	}

	size, n := binary.Uvarint(body)
	if n <= 0 {
		return Message{}, fmt.Errorf("%w: bad length prefix", errCorruptFrame)
	}
	if size > uint64(maxSize) {
		return Message{}, fmt.Errorf("%w: %d byte payload exceeds %d", errCorruptFrame, size, maxSize)
	}
	payload, err := decompressPayload(body[n:], compression, int(size))
	if err != nil {
		return Message{}, err
	}
	return Message{data: payload, kind: kind}, nil
}

func compressPayload(payload []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(payload)))
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(payload) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) >= len(payload) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

func decompressPayload(body []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", errCorruptFrame, err)
		}
		if read != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, header says %d", errCorruptFrame, read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", errCorruptFrame, err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, header says %d", errCorruptFrame, len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", errCorruptFrame, uint8(compression))
	}
}
