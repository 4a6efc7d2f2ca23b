// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package curve

import (
	"bytes"
	"crypto/cipher"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/secret"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Alert codes, numbered as in TLS.
const (
	alertHandshakeFailure uint8 = 40
	alertBadCertificate   uint8 = 42
	alertDecodeError      uint8 = 50
	alertDecryptError     uint8 = 51
)

func alertError(code uint8) error {
	switch code {
	case alertHandshakeFailure:
		return fmt.Errorf("%w: peer sent handshake_failure", engine.ErrNegotiation)
	case alertBadCertificate:
		return fmt.Errorf("%w: peer rejected our certificate", engine.ErrCertificate)
	default:
		return fmt.Errorf("%w: peer sent alert %d", engine.ErrMalformedRecord, code)
	}
}

type step int

const (
	stepClientAwaitServerHello step = iota
	stepClientAwaitFinished
	stepServerAwaitClientHello
	stepServerAwaitFinished
	stepComplete
	stepFailed
)

type session struct {
	config engine.SessionConfig
	suites []string
	logger *slog.Logger

	step    step
	failure error
	closed  bool

	keyPrivate []byte
	keyPublic  []byte
	random     []byte
	transcript *blake3.Hasher

	suite    string
	keys     *keySchedule
	sealer   cipher.AEAD
	opener   cipher.AEAD
	peerLeaf *x509.Certificate

	writeSequence uint64
	replay        replayWindow
	lastRead      uint64
	readAny       bool
	streamBuffer  []byte

	outgoing  [][]byte
	plaintext [][]byte

	// lastFlight is our most recent flight, kept for retransmission.
	lastFlight []byte
	// peerFlight is the raw payload of the peer flight we last
	// answered; seeing it again means our answer was lost.
	peerFlight []byte

	timerArmed    bool
	retransmitAt  time.Time
	interval      time.Duration
	retransmitted int
}

func newSession(config engine.SessionConfig, suites []string) (*session, error) {
	s := &session{
		config:     config,
		suites:     suites,
		logger:     config.Logger.With("engine", Name, "role", config.Role.String()),
		transcript: blake3.New(),
		interval:   config.RetransmitInterval,
	}
	var err error
	if s.keyPrivate, s.keyPublic, err = newKeyShare(); err != nil {
		return nil, err
	}
	if s.random, err = randomBytes(randomSize); err != nil {
		return nil, err
	}

	if config.Role == engine.RoleServer {
		s.step = stepServerAwaitClientHello
		return s, nil
	}

	hello, err := encodeMessage(messageClientHello, clientHello{
		Versions:   []uint8{ProtocolVersion},
		Suites:     suites,
		Random:     s.random,
		KeyShare:   s.keyPublic,
		ServerName: config.ServerName,
	})
	if err != nil {
		return nil, err
	}
	s.transcript.Write(hello.raw)
	s.step = stepClientAwaitServerHello
	s.sendFlight(hello)
	return s, nil
}

// FeedIncoming processes one datagram or stream chunk.
func (s *session) FeedIncoming(data []byte) error {
	if s.closed {
		return engine.ErrSessionClosed
	}
	if s.step == stepFailed {
		return s.failure
	}

	if s.config.Datagram {
		for len(data) > 0 {
			parsed, consumed, err := parseRecord(data)
			if errors.Is(err, errIncomplete) {
				return fmt.Errorf("%w: truncated datagram", engine.ErrMalformedRecord)
			}
			if err != nil {
				return err
			}
			if err := s.handleRecord(parsed); err != nil {
				return err
			}
			data = data[consumed:]
		}
		return nil
	}

	s.streamBuffer = append(s.streamBuffer, data...)
	for {
		parsed, consumed, err := parseRecord(s.streamBuffer)
		if errors.Is(err, errIncomplete) {
			return nil
		}
		if err != nil {
			return s.fail(err, alertDecodeError)
		}
		// parsed.payload aliases streamBuffer; handleRecord copies
		// anything it keeps.
		if err := s.handleRecord(parsed); err != nil {
			return err
		}
		s.streamBuffer = s.streamBuffer[consumed:]
		if s.step == stepFailed {
			return s.failure
		}
	}
}

// drop reports a record that was discarded without affecting the
// session. In stream mode nothing can be discarded, so it fails the
// session instead.
func (s *session) drop(err error, alert uint8) error {
	if !s.config.Datagram {
		return s.fail(err, alert)
	}
	s.logger.Debug("dropping curve record", "error", err)
	return err
}

func (s *session) handleRecord(r record) error {
	switch r.contentType {
	case recordAlert:
		return s.handleAlert(r)
	case recordApplication:
		return s.handleApplication(r)
	default:
		return s.handleHandshake(r)
	}
}

func (s *session) handleAlert(r record) error {
	if len(r.payload) != 1 {
		return s.drop(fmt.Errorf("%w: alert payload is %d bytes", engine.ErrMalformedRecord, len(r.payload)), alertDecodeError)
	}
	if s.step == stepComplete {
		// Alerts are unauthenticated; once keys are confirmed they
		// cannot end the session.
		s.logger.Debug("ignoring alert after handshake", "alert", r.payload[0])
		return nil
	}
	err := alertError(r.payload[0])
	s.fail(err, 0)
	return err
}

func (s *session) handleApplication(r record) error {
	if s.opener == nil {
		return s.drop(fmt.Errorf("%w: application record before keys", engine.ErrHandshakeIncomplete), alertDecodeError)
	}
	if s.config.Datagram {
		if !s.replay.check(r.sequence) {
			return fmt.Errorf("%w: replayed sequence %d", engine.ErrMalformedRecord, r.sequence)
		}
	} else if s.readAny && r.sequence <= s.lastRead {
		return s.fail(fmt.Errorf("%w: sequence %d after %d", engine.ErrMalformedRecord, r.sequence, s.lastRead), alertDecodeError)
	}

	plaintext, err := s.opener.Open(nil, recordNonce(s.opener, r.sequence), r.payload, r.header())
	if err != nil {
		return s.drop(fmt.Errorf("%w: record authentication failed", engine.ErrMalformedRecord), alertDecryptError)
	}
	if s.config.Datagram {
		s.replay.accept(r.sequence)
	} else {
		s.readAny = true
		s.lastRead = r.sequence
	}

	if s.step == stepClientAwaitFinished {
		// The server sends application data only after verifying our
		// Finished, so a record under its keys proves the handshake
		// completed even if its Finished was lost.
		s.complete()
	}
	if s.step != stepComplete {
		return s.drop(fmt.Errorf("%w: application record during handshake", engine.ErrHandshakeIncomplete), alertDecodeError)
	}
	s.plaintext = append(s.plaintext, plaintext)
	return nil
}

func (s *session) handleHandshake(r record) error {
	messages, err := parseFlight(r.payload)
	if err != nil {
		return s.drop(err, alertDecodeError)
	}
	payload := bytes.Clone(r.payload)

	if s.peerFlight != nil && bytes.Equal(payload, s.peerFlight) {
		// Our answer to this flight was lost.
		if s.lastFlight != nil && s.config.Role == engine.RoleServer {
			s.logger.Debug("peer repeated its flight, resending ours")
			s.outgoing = append(s.outgoing, bytes.Clone(s.lastFlight))
		}
		return nil
	}

	switch s.step {
	case stepServerAwaitClientHello:
		return s.handleClientHello(messages, payload)
	case stepServerAwaitFinished:
		return s.handleClientFinish(messages, payload)
	case stepClientAwaitServerHello:
		return s.handleServerHello(messages, payload)
	case stepClientAwaitFinished:
		return s.handleServerFinished(messages)
	}
	// Complete: stray handshake records from a retransmitting peer.
	return nil
}

func (s *session) handleClientHello(messages []message, payload []byte) error {
	var hello clientHello
	if len(messages) != 1 {
		return s.drop(fmt.Errorf("%w: expected a lone ClientHello, got %d messages", engine.ErrMalformedRecord, len(messages)), alertDecodeError)
	}
	if err := decodeMessage(messages[0], messageClientHello, &hello); err != nil {
		return s.drop(err, alertDecodeError)
	}
	if len(hello.Random) != randomSize || len(hello.KeyShare) != keyShareSize {
		return s.fail(fmt.Errorf("%w: ClientHello random or key share has the wrong size", engine.ErrMalformedRecord), alertDecodeError)
	}
	if !slices.Contains(hello.Versions, ProtocolVersion) {
		return s.fail(fmt.Errorf("%w: client offered versions %v, need %d", engine.ErrNegotiation, hello.Versions, ProtocolVersion), alertHandshakeFailure)
	}
	for _, candidate := range s.suites {
		if slices.Contains(hello.Suites, candidate) {
			s.suite = candidate
			break
		}
	}
	if s.suite == "" {
		return s.fail(fmt.Errorf("%w: no common suite (client %v, server %v)", engine.ErrNegotiation, hello.Suites, s.suites), alertHandshakeFailure)
	}

	reply, err := encodeMessage(messageServerHello, serverHello{
		Version:  ProtocolVersion,
		Suite:    s.suite,
		Random:   s.random,
		KeyShare: s.keyPublic,
	})
	if err != nil {
		return s.fail(err, 0)
	}
	s.transcript.Write(messages[0].raw)
	s.transcript.Write(reply.raw)
	if err := s.establishKeys(hello.KeyShare); err != nil {
		return s.fail(err, alertHandshakeFailure)
	}

	certificate, verify, err := s.authenticate(domainServerVerify)
	if err != nil {
		return s.fail(err, 0)
	}
	s.peerFlight = payload
	s.step = stepServerAwaitFinished
	s.sendFlight(reply, certificate, verify)
	return nil
}

func (s *session) handleServerHello(messages []message, payload []byte) error {
	if len(messages) == 1 && messages[0].kind == messageClientHello {
		return s.drop(fmt.Errorf("%w: ClientHello received by a client", engine.ErrMalformedRecord), alertDecodeError)
	}
	if len(messages) != 3 {
		return s.drop(fmt.Errorf("%w: server flight has %d messages, want 3", engine.ErrMalformedRecord, len(messages)), alertDecodeError)
	}
	var hello serverHello
	if err := decodeMessage(messages[0], messageServerHello, &hello); err != nil {
		return s.drop(err, alertDecodeError)
	}
	if hello.Version != ProtocolVersion {
		return s.fail(fmt.Errorf("%w: server chose version %d", engine.ErrNegotiation, hello.Version), alertHandshakeFailure)
	}
	if !slices.Contains(s.suites, hello.Suite) {
		return s.fail(fmt.Errorf("%w: server chose unoffered suite %q", engine.ErrNegotiation, hello.Suite), alertHandshakeFailure)
	}
	if len(hello.Random) != randomSize || len(hello.KeyShare) != keyShareSize {
		return s.fail(fmt.Errorf("%w: ServerHello random or key share has the wrong size", engine.ErrMalformedRecord), alertDecodeError)
	}
	s.suite = hello.Suite
	s.transcript.Write(messages[0].raw)
	if err := s.establishKeys(hello.KeyShare); err != nil {
		return s.fail(err, alertHandshakeFailure)
	}
	if err := s.verifyPeer(messages[1], messages[2], domainServerVerify); err != nil {
		return s.fail(err, alertBadCertificate)
	}

	certificate, verify, err := s.authenticate(domainClientVerify)
	if err != nil {
		return s.fail(err, 0)
	}
	finished, err := encodeMessage(messageFinished, finishedMessage{
		MAC: finishedMAC(s.keys.clientFinished, s.transcript.Sum(nil)),
	})
	if err != nil {
		return s.fail(err, 0)
	}
	s.transcript.Write(finished.raw)
	s.peerFlight = payload
	s.step = stepClientAwaitFinished
	s.sendFlight(certificate, verify, finished)
	return nil
}

func (s *session) handleClientFinish(messages []message, payload []byte) error {
	if len(messages) == 1 && messages[0].kind == messageClientHello {
		return s.drop(fmt.Errorf("%w: second ClientHello with different contents", engine.ErrMalformedRecord), alertDecodeError)
	}
	if len(messages) != 3 {
		return s.drop(fmt.Errorf("%w: client flight has %d messages, want 3", engine.ErrMalformedRecord, len(messages)), alertDecodeError)
	}
	if err := s.verifyPeer(messages[0], messages[1], domainClientVerify); err != nil {
		return s.fail(err, alertBadCertificate)
	}
	var finished finishedMessage
	if err := decodeMessage(messages[2], messageFinished, &finished); err != nil {
		return s.fail(err, alertDecodeError)
	}
	if !macEqual(finished.MAC, finishedMAC(s.keys.clientFinished, s.transcript.Sum(nil))) {
		return s.fail(fmt.Errorf("%w: client Finished MAC mismatch", engine.ErrMalformedRecord), alertDecryptError)
	}
	s.transcript.Write(messages[2].raw)

	reply, err := encodeMessage(messageFinished, finishedMessage{
		MAC: finishedMAC(s.keys.serverFinished, s.transcript.Sum(nil)),
	})
	if err != nil {
		return s.fail(err, 0)
	}
	s.transcript.Write(reply.raw)
	s.peerFlight = payload
	s.sendFlight(reply)
	s.complete()
	return nil
}

func (s *session) handleServerFinished(messages []message) error {
	if len(messages) != 1 || messages[0].kind != messageFinished {
		// A late copy of the server's first flight.
		s.logger.Debug("ignoring stale server flight")
		return nil
	}
	var finished finishedMessage
	if err := decodeMessage(messages[0], messageFinished, &finished); err != nil {
		return s.drop(err, alertDecodeError)
	}
	if !macEqual(finished.MAC, finishedMAC(s.keys.serverFinished, s.transcript.Sum(nil))) {
		return s.fail(fmt.Errorf("%w: server Finished MAC mismatch", engine.ErrMalformedRecord), alertDecryptError)
	}
	s.transcript.Write(messages[0].raw)
	s.complete()
	return nil
}

// establishKeys runs X25519 against the peer's share and derives the
// key schedule from the transcript so far (the two hellos).
func (s *session) establishKeys(peerShare []byte) error {
	shared, err := curve25519.X25519(s.keyPrivate, peerShare)
	if err != nil {
		return fmt.Errorf("%w: key agreement: %v", engine.ErrNegotiation, err)
	}
	defer secret.Zero(shared)
	secret.Zero(s.keyPrivate)

	if s.keys, err = newKeySchedule(shared, s.transcript.Sum(nil)); err != nil {
		return err
	}
	writeKey, readKey := s.keys.clientWrite, s.keys.serverWrite
	if s.config.Role == engine.RoleServer {
		writeKey, readKey = readKey, writeKey
	}
	if s.sealer, err = newAEAD(s.suite, writeKey); err != nil {
		return err
	}
	if s.opener, err = newAEAD(s.suite, readKey); err != nil {
		return err
	}
	return nil
}

// authenticate builds our Certificate and CertificateVerify messages
// and adds both to the transcript.
func (s *session) authenticate(domain []byte) (message, message, error) {
	certificate, err := encodeMessage(messageCertificate, certificateMessage{Chain: s.config.Certificate.Certificate})
	if err != nil {
		return message{}, message{}, err
	}
	s.transcript.Write(certificate.raw)

	signature, err := sign(s.config.Certificate.PrivateKey, domain, s.transcript.Sum(nil))
	if err != nil {
		return message{}, message{}, fmt.Errorf("signing transcript: %w", err)
	}
	verify, err := encodeMessage(messageCertificateVerify, certificateVerify{Signature: signature})
	if err != nil {
		return message{}, message{}, err
	}
	s.transcript.Write(verify.raw)
	return certificate, verify, nil
}

// verifyPeer checks the peer's certificate against the expected
// fingerprint and its signature over the transcript, adding both
// messages to the transcript.
func (s *session) verifyPeer(certificateRaw, verifyRaw message, domain []byte) error {
	var chain certificateMessage
	if err := decodeMessage(certificateRaw, messageCertificate, &chain); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCertificate, err)
	}
	if len(chain.Chain) == 0 {
		return fmt.Errorf("%w: peer sent no certificate", engine.ErrCertificate)
	}
	leaf, err := x509.ParseCertificate(chain.Chain[0])
	if err != nil {
		return fmt.Errorf("%w: parsing peer certificate: %v", engine.ErrCertificate, err)
	}
	if !s.config.ExpectedFingerprint.IsZero() && !s.config.ExpectedFingerprint.Matches(leaf) {
		return fmt.Errorf("%w: peer certificate does not match %s", engine.ErrCertificate, s.config.ExpectedFingerprint)
	}
	s.transcript.Write(certificateRaw.raw)

	var signature certificateVerify
	if err := decodeMessage(verifyRaw, messageCertificateVerify, &signature); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrCertificate, err)
	}
	if err := verify(leaf, domain, s.transcript.Sum(nil), signature.Signature); err != nil {
		return err
	}
	s.transcript.Write(verifyRaw.raw)
	s.peerLeaf = leaf
	return nil
}

// sendFlight queues messages as one handshake record. A datagram
// client arms its retransmission timer; the server only resends when
// the client repeats itself.
func (s *session) sendFlight(messages ...message) {
	s.lastFlight = s.seal(recordHandshake, flightPayload(messages...))
	s.outgoing = append(s.outgoing, bytes.Clone(s.lastFlight))
	if s.config.Datagram && s.config.Role == engine.RoleClient {
		s.timerArmed = true
		s.retransmitAt = s.config.Clock.Now().Add(s.interval)
	}
}

// seal frames payload as a record. Application payloads are encrypted.
func (s *session) seal(contentType uint8, payload []byte) []byte {
	r := record{contentType: contentType, sequence: s.writeSequence}
	s.writeSequence++
	if contentType == recordApplication {
		r.payload = make([]byte, len(payload)+s.sealer.Overhead())
		r.payload = s.sealer.Seal(r.payload[:0], recordNonce(s.sealer, r.sequence), payload, r.header())
		return append(r.header(), r.payload...)
	}
	r.payload = payload
	return r.encode()
}

func (s *session) complete() {
	s.step = stepComplete
	s.timerArmed = false
	s.logger.Debug("curve handshake complete", "suite", s.suite)
}

// fail moves the session to the failed phase, queuing an alert when
// alert is non-zero. Returns err.
func (s *session) fail(err error, alert uint8) error {
	if s.step == stepFailed {
		return s.failure
	}
	s.step = stepFailed
	s.failure = err
	s.timerArmed = false
	if alert != 0 {
		s.outgoing = append(s.outgoing, s.seal(recordAlert, []byte{alert}))
	}
	s.logger.Debug("curve handshake failed", "error", err, "alert", alert)
	return err
}

func (s *session) DrainOutgoing() ([]byte, bool) {
	if len(s.outgoing) == 0 {
		return nil, false
	}
	next := s.outgoing[0]
	s.outgoing[0] = nil
	s.outgoing = s.outgoing[1:]
	return next, true
}

func (s *session) HandshakeState() engine.HandshakeState {
	switch s.step {
	case stepComplete:
		return engine.HandshakeState{Phase: engine.HandshakeComplete}
	case stepFailed:
		return engine.HandshakeState{Phase: engine.HandshakeFailed, Err: s.failure}
	}
	return engine.HandshakeState{Phase: engine.HandshakeInProgress}
}

func (s *session) ReadApplicationData() ([]byte, bool) {
	if len(s.plaintext) == 0 || s.step != stepComplete {
		return nil, false
	}
	next := s.plaintext[0]
	s.plaintext[0] = nil
	s.plaintext = s.plaintext[1:]
	return next, true
}

func (s *session) WriteApplicationData(data []byte) error {
	switch {
	case s.closed:
		return engine.ErrSessionClosed
	case s.step == stepFailed:
		return s.failure
	case s.step != stepComplete:
		return engine.ErrHandshakeIncomplete
	}
	if s.config.Datagram {
		if len(data) > maxPlaintext {
			return fmt.Errorf("message of %d bytes exceeds the %d byte datagram record limit", len(data), maxPlaintext)
		}
		s.outgoing = append(s.outgoing, s.seal(recordApplication, data))
		return nil
	}
	var chunk []byte
	for {
		chunk, data = data, nil
		if len(chunk) > maxPlaintext {
			chunk, data = chunk[:maxPlaintext], chunk[maxPlaintext:]
		}
		s.outgoing = append(s.outgoing, s.seal(recordApplication, chunk))
		if len(data) == 0 {
			return nil
		}
	}
}

func (s *session) VerifyPeerCertificate(expected certificate.Fingerprint) bool {
	if s.peerLeaf != nil && expected.Matches(s.peerLeaf) {
		return true
	}
	s.fail(fmt.Errorf("%w: peer certificate does not match %s", engine.ErrCertificate, expected), alertBadCertificate)
	return false
}

func (s *session) RetransmissionDeadline() (time.Duration, bool) {
	if !s.timerArmed {
		return 0, false
	}
	return max(s.retransmitAt.Sub(s.config.Clock.Now()), 0), true
}

// Retransmit resends the last flight and doubles the interval, failing
// with ErrHandshakeTimeout once MaxRetransmits resends have gone
// unanswered.
func (s *session) Retransmit() error {
	if s.closed {
		return engine.ErrSessionClosed
	}
	if !s.timerArmed {
		return nil
	}
	if s.retransmitted >= s.config.MaxRetransmits {
		return s.fail(fmt.Errorf("%w: no answer after %d retransmissions", engine.ErrHandshakeTimeout, s.retransmitted), 0)
	}
	s.retransmitted++
	s.interval = min(2*s.interval, engine.MaxRetransmitInterval)
	s.retransmitAt = s.config.Clock.Now().Add(s.interval)
	s.outgoing = append(s.outgoing, bytes.Clone(s.lastFlight))
	s.logger.Debug("retransmitting flight", "attempt", s.retransmitted, "next", s.interval)
	return nil
}

func (s *session) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if s.step != stepComplete {
		return nil, engine.ErrHandshakeIncomplete
	}
	return s.keys.export(label, context, length)
}

func (s *session) PeerCertificate() *x509.Certificate {
	return s.peerLeaf
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.timerArmed = false
	s.keys.wipe()
	secret.Zero(s.keyPrivate)
	s.plaintext = nil
	s.streamBuffer = nil
	return nil
}
