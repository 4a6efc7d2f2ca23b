// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/peerlink/lib/logging"
)

// PacketClass is the protocol a datagram belongs to, decided by its
// first byte as RFC 7983 lays out.
type PacketClass int

const (
	PacketUnknown PacketClass = iota
	PacketSTUN
	PacketZRTP
	PacketDTLS
	PacketTURNChannel
	PacketRTP
	PacketRTCP
)

func (c PacketClass) String() string {
	switch c {
	case PacketSTUN:
		return "stun"
	case PacketZRTP:
		return "zrtp"
	case PacketDTLS:
		return "dtls"
	case PacketTURNChannel:
		return "turn-channel"
	case PacketRTP:
		return "rtp"
	case PacketRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// ClassifyPacket sorts a datagram by its first byte. RTP and RTCP share
// a range; RTCP packet types 192-223 sit where RTP puts the marker bit
// and payload type (RFC 5761).
func ClassifyPacket(packet []byte) PacketClass {
	if len(packet) == 0 {
		return PacketUnknown
	}
	switch first := packet[0]; {
	case first <= 3:
		return PacketSTUN
	case first >= 16 && first <= 19:
		return PacketZRTP
	case first >= 20 && first <= 63:
		return PacketDTLS
	case first >= 64 && first <= 79:
		return PacketTURNChannel
	case first >= 128 && first <= 191:
		if len(packet) >= 2 && packet[1] >= 192 && packet[1] <= 223 {
			return PacketRTCP
		}
		return PacketRTP
	}
	return PacketUnknown
}

// Demux shares one lower stage between the DTLS handshake and SRTP
// media. Each endpoint is a Transport of its own; the lower stage
// starts with the first endpoint and stops with the last.
type Demux struct {
	lower  Transport
	logger *slog.Logger

	dtls  *demuxEndpoint
	media *demuxEndpoint

	mu      sync.Mutex
	running int

	dropped atomic.Uint64
}

// NewDemux binds lower and creates the two endpoints.
func NewDemux(lower Transport, logger *slog.Logger) (*Demux, error) {
	d := &Demux{
		lower:  lower,
		logger: logging.OrDiscard(logger).With("stage", "demux"),
	}
	d.dtls = &demuxEndpoint{stage: newStage("demux-dtls", logger), demux: d}
	d.media = &demuxEndpoint{stage: newStage("demux-media", logger), demux: d}
	if err := lower.Bind(Callbacks{OnMessage: d.route, OnStateChange: d.lowerStateChanged}); err != nil {
		return nil, fmt.Errorf("%w: binding demux: %v", ErrConfiguration, err)
	}
	return d, nil
}

// DTLS returns the endpoint carrying DTLS records (first byte 20-63).
func (d *Demux) DTLS() Transport { return d.dtls }

// Media returns the endpoint carrying RTP and RTCP (first byte 128-191).
func (d *Demux) Media() Transport { return d.media }

// Dropped counts datagrams that matched neither endpoint.
func (d *Demux) Dropped() uint64 { return d.dropped.Load() }

func (d *Demux) route(message Message) {
	var target *demuxEndpoint
	switch class := ClassifyPacket(message.payload()); class {
	case PacketDTLS:
		target = d.dtls
	case PacketRTP, PacketRTCP:
		target = d.media
	default:
		d.dropped.Add(1)
		d.logger.Debug("dropping unroutable datagram", "class", class.String(), "size", message.Len())
		return
	}
	if target.State().Established() {
		target.deliver(message)
	}
}

func (d *Demux) lowerStateChanged(change StateChange) {
	for _, endpoint := range []*demuxEndpoint{d.dtls, d.media} {
		endpoint.follow(change.Current, change.Err)
	}
}

// acquire starts the lower stage for the first running endpoint.
func (d *Demux) acquire() error {
	d.mu.Lock()
	d.running++
	d.mu.Unlock()
	return d.lower.Start()
}

// release stops the lower stage once no endpoint runs.
func (d *Demux) release() {
	d.mu.Lock()
	d.running--
	last := d.running == 0
	d.mu.Unlock()
	if last {
		d.lower.Stop()
	}
}

// demuxEndpoint is one side of a Demux. Its state mirrors the lower
// stage's once started.
type demuxEndpoint struct {
	*stage
	demux   *Demux
	running atomic.Bool
}

func (e *demuxEndpoint) Start() error {
	first, err := e.begin()
	if err != nil || !first {
		return err
	}
	e.transition(StateConnecting, nil)
	e.running.Store(true)
	if err := e.demux.acquire(); err != nil {
		e.transition(StateFailed, err)
		return err
	}
	e.follow(e.demux.lower.State(), nil)
	return nil
}

func (e *demuxEndpoint) Stop() error {
	if !e.end() {
		return nil
	}
	if e.running.Swap(false) {
		e.demux.release()
	}
	e.shutdown()
	e.finish()
	return nil
}

func (e *demuxEndpoint) Send(message Message) bool {
	if !e.State().Established() {
		return false
	}
	return e.demux.lower.Send(message)
}

// follow mirrors a lower state onto the endpoint.
func (e *demuxEndpoint) follow(lower State, err error) {
	if !e.running.Load() || e.isStopped() {
		return
	}
	switch lower {
	case StateConnected, StateCompleted:
		e.transition(lower, nil)
	case StateFailed:
		if err == nil {
			err = ErrLowerTransportLost
		}
		e.transition(StateFailed, err)
	case StateDisconnected:
		e.transition(StateDisconnected, nil)
	}
}
