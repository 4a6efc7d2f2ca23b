// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

func rtpPacket(t *testing.T, ssrc uint32, sequence uint16, payload []byte) []byte {
	t.Helper()
	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sequence,
			Timestamp:      90000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := packet.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return raw
}

func TestRTPBuilderLeavesSourceUntouched(t *testing.T) {
	source := rtpPacket(t, 7, 100, []byte("frame"))
	original := bytes.Clone(source)

	builder, err := NewRTPBuilder(source)
	if err != nil {
		t.Fatalf("NewRTPBuilder() error: %v", err)
	}
	builder.SetSSRC(99).SetPayloadType(111).SetSequenceNumber(5)
	if err := builder.SetExtension(1, []byte("0")); err != nil {
		t.Fatalf("SetExtension() error: %v", err)
	}
	message, err := builder.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !bytes.Equal(source, original) {
		t.Error("building modified the source packet")
	}
	if message.Kind() != KindRTP {
		t.Errorf("kind = %s, want rtp", message.Kind())
	}

	parsed, err := ParseRTP(message)
	if err != nil {
		t.Fatalf("ParseRTP() error: %v", err)
	}
	if parsed.SSRC != 99 || parsed.PayloadType != 111 || parsed.SequenceNumber != 5 {
		t.Errorf("header = ssrc %d pt %d seq %d, want 99/111/5", parsed.SSRC, parsed.PayloadType, parsed.SequenceNumber)
	}
	if got := parsed.GetExtension(1); string(got) != "0" {
		t.Errorf("extension 1 = %q, want %q", got, "0")
	}
	if string(parsed.Payload) != "frame" {
		t.Errorf("payload = %q, want frame", parsed.Payload)
	}

	if _, err := builder.Build(); err == nil {
		t.Error("second Build succeeded")
	}
	if err := builder.SetExtension(2, []byte("h")); err == nil {
		t.Error("SetExtension after Build succeeded")
	}
}

func TestRTPBuilderRejectsGarbage(t *testing.T) {
	if _, err := NewRTPBuilder([]byte{0x80}); err == nil {
		t.Error("NewRTPBuilder accepted a truncated header")
	}
}

func TestSimulcastRewrite(t *testing.T) {
	rewriter := SimulcastRewriter{
		MidID: 1,
		RIDID: 2,
		Mid:   "0",
		Layers: []SimulcastLayer{
			{RID: "h", SSRC: 42},
			{RID: "m", SSRC: 43},
			{RID: "l", SSRC: 44},
		},
	}
	messages, err := rewriter.Rewrite(rtpPacket(t, 1, 10, []byte("keyframe")))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Rewrite() produced %d messages, want 3", len(messages))
	}
	for i, layer := range rewriter.Layers {
		parsed, err := ParseRTP(messages[i])
		if err != nil {
			t.Fatalf("ParseRTP(layer %s) error: %v", layer.RID, err)
		}
		if parsed.SSRC != layer.SSRC {
			t.Errorf("layer %s ssrc = %d, want %d", layer.RID, parsed.SSRC, layer.SSRC)
		}
		if got := string(parsed.GetExtension(1)); got != "0" {
			t.Errorf("layer %s mid = %q, want 0", layer.RID, got)
		}
		if got := string(parsed.GetExtension(2)); got != layer.RID {
			t.Errorf("layer %s rid = %q", layer.RID, got)
		}
		if parsed.SequenceNumber != 10 || string(parsed.Payload) != "keyframe" {
			t.Errorf("layer %s seq %d payload %q, want 10 keyframe", layer.RID, parsed.SequenceNumber, parsed.Payload)
		}
	}

	if _, err := (SimulcastRewriter{}).Rewrite(rtpPacket(t, 1, 1, nil)); err == nil {
		t.Error("Rewrite without layers succeeded")
	}
}

func TestRTCPMessage(t *testing.T) {
	message, err := RTCPMessage(
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 42},
		&rtcp.ReceiverReport{SSRC: 1},
	)
	if err != nil {
		t.Fatalf("RTCPMessage() error: %v", err)
	}
	if message.Kind() != KindRTCP {
		t.Errorf("kind = %s, want rtcp", message.Kind())
	}
	if ClassifyPacket(message.Bytes()) != PacketRTCP {
		t.Errorf("ClassifyPacket = %s, want rtcp", ClassifyPacket(message.Bytes()))
	}
	packets, err := ParseRTCP(message)
	if err != nil {
		t.Fatalf("ParseRTCP() error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("parsed %d packets, want 2", len(packets))
	}
	pli, ok := packets[0].(*rtcp.PictureLossIndication)
	if !ok || pli.MediaSSRC != 42 {
		t.Errorf("first packet = %#v, want PLI for ssrc 42", packets[0])
	}
}
