// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Header extension URIs negotiated for simulcast (RFC 8852).
const (
	ExtensionURIMid = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ExtensionURIRID = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
)

// errBuilderSpent is returned by an RTPBuilder used after Build.
var errBuilderSpent = errors.New("transport: RTPBuilder used after Build")

// RTPBuilder produces an RTP Message from a parsed packet. It works on
// its own copy, so one source packet can feed many builders.
type RTPBuilder struct {
	packet rtp.Packet
	spent  bool
}

// NewRTPBuilder parses raw. The builder does not retain raw.
func NewRTPBuilder(raw []byte) (*RTPBuilder, error) {
	b := &RTPBuilder{}
	if err := b.packet.Unmarshal(slices.Clone(raw)); err != nil {
		return nil, fmt.Errorf("parsing rtp packet: %w", err)
	}
	return b, nil
}

// Header exposes the header for inspection.
func (b *RTPBuilder) Header() rtp.Header { return b.packet.Header }

// SetSSRC replaces the synchronization source.
func (b *RTPBuilder) SetSSRC(ssrc uint32) *RTPBuilder {
	b.packet.SSRC = ssrc
	return b
}

// SetPayloadType replaces the payload type.
func (b *RTPBuilder) SetPayloadType(payloadType uint8) *RTPBuilder {
	b.packet.PayloadType = payloadType
	return b
}

// SetSequenceNumber replaces the sequence number.
func (b *RTPBuilder) SetSequenceNumber(sequence uint16) *RTPBuilder {
	b.packet.SequenceNumber = sequence
	return b
}

// SetExtension sets a header extension, adding the extension block if
// the packet has none. Small payloads use the one-byte form (RFC 8285).
func (b *RTPBuilder) SetExtension(id uint8, payload []byte) error {
	if b.spent {
		return errBuilderSpent
	}
	if err := b.packet.SetExtension(id, slices.Clone(payload)); err != nil {
		return fmt.Errorf("setting rtp extension %d: %w", id, err)
	}
	return nil
}

// Build marshals the packet as a KindRTP message. The builder is spent
// afterwards.
func (b *RTPBuilder) Build() (Message, error) {
	if b.spent {
		return Message{}, errBuilderSpent
	}
	b.spent = true
	raw, err := b.packet.Marshal()
	if err != nil {
		return Message{}, fmt.Errorf("marshaling rtp packet: %w", err)
	}
	return Message{data: raw, kind: KindRTP}, nil
}

// SimulcastLayer is one encoding of a simulcast track.
type SimulcastLayer struct {
	RID  string
	SSRC uint32
}

// SimulcastRewriter fans one source RTP stream out into per-layer
// streams, tagging each with the mid and rid extensions and its own
// SSRC.
type SimulcastRewriter struct {
	// MidID and RIDID are the extension IDs negotiated for
	// ExtensionURIMid and ExtensionURIRID.
	MidID uint8
	RIDID uint8
	Mid   string

	Layers []SimulcastLayer
}

// Rewrite returns one message per layer, in layer order.
func (r SimulcastRewriter) Rewrite(raw []byte) ([]Message, error) {
	if len(r.Layers) == 0 {
		return nil, fmt.Errorf("%w: simulcast rewriter has no layers", ErrConfiguration)
	}
	messages := make([]Message, 0, len(r.Layers))
	for _, layer := range r.Layers {
		builder, err := NewRTPBuilder(raw)
		if err != nil {
			return nil, err
		}
		builder.SetSSRC(layer.SSRC)
		if err := builder.SetExtension(r.MidID, []byte(r.Mid)); err != nil {
			return nil, err
		}
		if err := builder.SetExtension(r.RIDID, []byte(layer.RID)); err != nil {
			return nil, err
		}
		message, err := builder.Build()
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// RTCPMessage marshals packets into one compound KindRTCP message.
func RTCPMessage(packets ...rtcp.Packet) (Message, error) {
	raw, err := rtcp.Marshal(packets)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling rtcp: %w", err)
	}
	return Message{data: raw, kind: KindRTCP}, nil
}

// ParseRTCP splits a compound RTCP message into its packets.
func ParseRTCP(message Message) ([]rtcp.Packet, error) {
	packets, err := rtcp.Unmarshal(message.payload())
	if err != nil {
		return nil, fmt.Errorf("parsing rtcp: %w", err)
	}
	return packets, nil
}

// ParseRTP parses an RTP message.
func ParseRTP(message Message) (*rtp.Packet, error) {
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(message.Bytes()); err != nil {
		return nil, fmt.Errorf("parsing rtp: %w", err)
	}
	return packet, nil
}
