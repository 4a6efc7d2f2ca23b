// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/testutil"
)

func TestClassifyPacket(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   PacketClass
	}{
		{"empty", nil, PacketUnknown},
		{"stun binding", []byte{0x00, 0x01}, PacketSTUN},
		{"zrtp", []byte{16}, PacketZRTP},
		{"dtls handshake", []byte{22, 0xfe, 0xfd}, PacketDTLS},
		{"dtls upper bound", []byte{63}, PacketDTLS},
		{"turn channel", []byte{0x40, 0x00}, PacketTURNChannel},
		{"rtp", []byte{0x80, 96}, PacketRTP},
		{"rtp with marker", []byte{0x80, 0x80 | 111}, PacketRTP},
		{"rtcp sender report", []byte{0x80, 200}, PacketRTCP},
		{"rtcp feedback", []byte{0x81, 206}, PacketRTCP},
		{"gap", []byte{100}, PacketUnknown},
		{"above media", []byte{200}, PacketUnknown},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ClassifyPacket(test.packet); got != test.want {
				t.Errorf("ClassifyPacket(%v) = %s, want %s", test.packet, got, test.want)
			}
		})
	}
}

func newDemuxPair(t *testing.T) (a, b *Demux, lowerA, lowerB *MemoryTransport) {
	t.Helper()
	lowerA, lowerB = NewMemoryPair(MemoryConfig{})
	var err error
	if a, err = NewDemux(lowerA, nil); err != nil {
		t.Fatalf("NewDemux() error: %v", err)
	}
	if b, err = NewDemux(lowerB, nil); err != nil {
		t.Fatalf("NewDemux() error: %v", err)
	}
	return a, b, lowerA, lowerB
}

func TestDemuxRoutesByFirstByte(t *testing.T) {
	a, b, _, _ := newDemuxPair(t)
	dtlsMessages, _ := bindMessages(t, b.DTLS())
	mediaMessages, _ := bindMessages(t, b.Media())
	bindMessages(t, a.DTLS())
	bindMessages(t, a.Media())
	startPair(t, a.DTLS(), a.Media())
	startPair(t, b.DTLS(), b.Media())

	testutil.Eventually(t, waitTimeout, func() bool {
		return a.DTLS().State() == StateConnected && b.Media().State() == StateConnected
	}, "endpoints connected")

	if !a.DTLS().Send(NewMessage(KindBinary, []byte{22, 0xfe, 0xfd, 1})) {
		t.Fatal("Send(dtls) refused")
	}
	if !a.Media().Send(NewMessage(KindBinary, []byte{0x80, 96, 0, 1})) {
		t.Fatal("Send(rtp) refused")
	}
	if !a.Media().Send(NewMessage(KindBinary, []byte{0x80, 200, 0, 6})) {
		t.Fatal("Send(rtcp) refused")
	}
	// STUN shares the path but belongs to neither endpoint.
	a.DTLS().Send(NewMessage(KindBinary, []byte{0x00, 0x01, 0, 0}))

	if got := testutil.RequireReceive(t, dtlsMessages, waitTimeout, "dtls record"); got.Bytes()[0] != 22 {
		t.Errorf("dtls endpoint received %v", got.Bytes())
	}
	for _, want := range []byte{96, 200} {
		got := testutil.RequireReceive(t, mediaMessages, waitTimeout, "media packet")
		if got.Bytes()[1] != want {
			t.Errorf("media endpoint received %v, want second byte %d", got.Bytes(), want)
		}
	}
	testutil.Eventually(t, waitTimeout, func() bool { return b.Dropped() == 1 }, "stun dropped")
	testutil.RequireNoReceive(t, dtlsMessages, 50*time.Millisecond, "stun on the dtls endpoint")
}

func TestDemuxLowerStopsWithLastEndpoint(t *testing.T) {
	a, _, lowerA, _ := newDemuxPair(t)
	bindMessages(t, a.DTLS())
	bindMessages(t, a.Media())
	for _, endpoint := range []Transport{a.DTLS(), a.Media()} {
		if err := endpoint.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	}
	if lowerA.State() != StateConnecting {
		t.Fatalf("lower state = %s, want connecting", lowerA.State())
	}

	a.DTLS().Stop()
	if lowerA.isStopped() {
		t.Fatal("lower stopped while the media endpoint still runs")
	}
	a.Media().Stop()
	if !lowerA.isStopped() {
		t.Error("lower still running after both endpoints stopped")
	}
}

func TestDemuxMirrorsLowerFailure(t *testing.T) {
	a, b, lowerA, _ := newDemuxPair(t)
	_, states := bindMessages(t, a.Media())
	bindMessages(t, a.DTLS())
	bindMessages(t, b.DTLS())
	bindMessages(t, b.Media())
	startPair(t, a.Media(), b.Media())

	testutil.Eventually(t, waitTimeout, func() bool { return a.Media().State() == StateConnected }, "media connected")
	lowerA.Break()
	for {
		change := testutil.RequireReceive(t, states, waitTimeout, "waiting for failure")
		if change.Current == StateFailed {
			break
		}
	}
	if a.DTLS().State() != StateDisconnected {
		t.Errorf("unstarted endpoint state = %s, want disconnected", a.DTLS().State())
	}
}
