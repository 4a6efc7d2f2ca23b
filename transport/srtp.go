// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// Compile-time interface check.
var _ Transport = (*SRTPTransport)(nil)

// ErrNotKeyed is returned when SRTP media moves before the secure
// stage has exported keys.
var ErrNotKeyed = errors.New("srtp: session not keyed")

// SRTPConfig configures an SRTP stage.
type SRTPConfig struct {
	// Profile is the protection profile. Defaults to
	// AES128_CM_HMAC_SHA1_80, the profile every DTLS-SRTP peer offers.
	Profile srtp.ProtectionProfile

	Logger *slog.Logger
}

// SRTPStats counts media through an SRTP stage.
type SRTPStats struct {
	Protected   uint64
	Unprotected uint64
	// Rejected counts packets that failed authentication, replay
	// checks, or parsing.
	Rejected uint64
}

// SRTPTransport protects RTP and RTCP for the media endpoint of a
// Demux. It is keyed from the DTLS session sharing the same path:
// pass Key as the secure stage's OnHandshakeComplete hook. The stage
// reports StateConnected once it is keyed and the lower stage is up.
// Messages going up carry KindRTP or KindRTCP.
type SRTPTransport struct {
	*stage

	lower  Transport
	config SRTPConfig

	// contextMu guards the srtp contexts, which are not safe for
	// concurrent use.
	contextMu sync.Mutex
	local     *srtp.Context
	remote    *srtp.Context

	protected   atomic.Uint64
	unprotected atomic.Uint64
	rejected    atomic.Uint64
}

// NewSRTPTransport binds lower, usually Demux.Media().
func NewSRTPTransport(lower Transport, config SRTPConfig) (*SRTPTransport, error) {
	if config.Profile == 0 {
		config.Profile = srtp.ProtectionProfileAes128CmHmacSha1_80
	}
	t := &SRTPTransport{
		stage:  newStage("srtp", config.Logger),
		lower:  lower,
		config: config,
	}
	if err := lower.Bind(Callbacks{OnMessage: t.incoming, OnStateChange: t.lowerStateChanged}); err != nil {
		return nil, fmt.Errorf("%w: binding srtp: %v", ErrConfiguration, err)
	}
	return t, nil
}

// Key derives the SRTP master keys from a finished DTLS session
// (RFC 5764 section 4.2).
func (t *SRTPTransport) Key(keys KeyingMaterial) error {
	config := srtp.Config{Profile: t.config.Profile}
	if err := config.ExtractSessionKeysFromDTLS(keys, keys.Role() == RoleClient); err != nil {
		return fmt.Errorf("extracting srtp keys: %w", err)
	}
	local, err := srtp.CreateContext(config.Keys.LocalMasterKey, config.Keys.LocalMasterSalt, config.Profile)
	if err != nil {
		return fmt.Errorf("creating local srtp context: %w", err)
	}
	remote, err := srtp.CreateContext(config.Keys.RemoteMasterKey, config.Keys.RemoteMasterSalt, config.Profile)
	if err != nil {
		return fmt.Errorf("creating remote srtp context: %w", err)
	}

	t.contextMu.Lock()
	t.local, t.remote = local, remote
	t.contextMu.Unlock()
	t.logger.Debug("srtp keyed", "profile", uint16(t.config.Profile))
	t.maybeConnect()
	return nil
}

func (t *SRTPTransport) keyed() bool {
	t.contextMu.Lock()
	defer t.contextMu.Unlock()
	return t.local != nil
}

func (t *SRTPTransport) maybeConnect() {
	if t.isStopped() || !t.keyed() || !t.lower.State().Established() {
		return
	}
	t.transition(StateConnected, nil)
}

// Start starts the lower stage.
func (t *SRTPTransport) Start() error {
	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	t.transition(StateConnecting, nil)
	if err := t.lower.Start(); err != nil {
		t.transition(StateFailed, err)
		return err
	}
	t.maybeConnect()
	return nil
}

// Stop stops the lower stage.
func (t *SRTPTransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.lower.Stop()
	t.shutdown()
	t.finish()
	return nil
}

// Send protects message and passes it down. KindRTCP messages, or any
// message whose second byte is an RTCP packet type, are sent as SRTCP.
func (t *SRTPTransport) Send(message Message) bool {
	if !t.State().Established() {
		return false
	}
	protected, kind, err := t.protect(message)
	if err != nil {
		t.logger.Debug("dropping unprotectable media", "error", err)
		return false
	}
	t.protected.Add(1)
	return t.lower.Send(Message{data: protected, kind: kind})
}

func (t *SRTPTransport) protect(message Message) ([]byte, Kind, error) {
	t.contextMu.Lock()
	defer t.contextMu.Unlock()
	if t.local == nil {
		return nil, 0, ErrNotKeyed
	}
	plain := message.payload()
	if message.Kind() == KindRTCP || ClassifyPacket(plain) == PacketRTCP {
		protected, err := t.local.EncryptRTCP(nil, plain, nil)
		return protected, KindRTCP, err
	}
	var header rtp.Header
	protected, err := t.local.EncryptRTP(nil, plain, &header)
	return protected, KindRTP, err
}

func (t *SRTPTransport) incoming(message Message) {
	if !t.State().Established() {
		return
	}
	plain, kind, err := t.unprotect(message)
	if err != nil {
		t.rejected.Add(1)
		t.logger.Debug("rejecting srtp packet", "error", err)
		return
	}
	t.unprotected.Add(1)
	t.deliver(Message{data: plain, kind: kind})
}

func (t *SRTPTransport) unprotect(message Message) ([]byte, Kind, error) {
	t.contextMu.Lock()
	defer t.contextMu.Unlock()
	if t.remote == nil {
		return nil, 0, ErrNotKeyed
	}
	encrypted := message.payload()
	if ClassifyPacket(encrypted) == PacketRTCP {
		var header rtcp.Header
		plain, err := t.remote.DecryptRTCP(nil, encrypted, &header)
		return plain, KindRTCP, err
	}
	var header rtp.Header
	plain, err := t.remote.DecryptRTP(nil, encrypted, &header)
	return plain, KindRTP, err
}

func (t *SRTPTransport) lowerStateChanged(change StateChange) {
	switch {
	case change.Current.Established():
		t.maybeConnect()
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

// Stats returns the media counters.
func (t *SRTPTransport) Stats() SRTPStats {
	return SRTPStats{
		Protected:   t.protected.Load(),
		Unprotected: t.unprotected.Load(),
		Rejected:    t.rejected.Load(),
	}
}
