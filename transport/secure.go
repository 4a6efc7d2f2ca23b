// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/queue"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// Compile-time interface check.
var _ Transport = (*SecureTransport)(nil)

// Defaults applied to zero SecureConfig fields.
const (
	DefaultMaxHandshakeRetries = 10
	DefaultHandshakeTimeout    = 60 * time.Second
	DefaultIncomingQueueSize   = 1024
	DefaultStopTimeout         = 5 * time.Second
	DefaultRoleConflictLimit   = 3
)

// SecureConfig configures a SecureTransport.
type SecureConfig struct {
	// Role is RoleClient or RoleServer when signaling decided it, or
	// RoleAuto to resolve it from the first handshake records.
	Role Role

	// Certificate is the local certificate chain and private key.
	Certificate tls.Certificate

	// RemoteFingerprint is the expected digest of the peer's
	// certificate, learned out of band.
	RemoteFingerprint certificate.Fingerprint

	// Datagram selects DTLS-style records over a lossy lower stage.
	// False selects stream records over an ordered lower stage.
	Datagram bool

	// Backend is the crypto engine. It must support the record mode.
	Backend engine.Backend

	// ServerName is passed to engines that carry SNI.
	ServerName string

	// MaxHandshakeRetries bounds retransmissions driven by the stage's
	// timer. For engines with their own flight timer it only sizes the
	// handshake budget passed to the engine.
	MaxHandshakeRetries int

	// HandshakeTimeout bounds the whole handshake.
	HandshakeTimeout time.Duration

	// RetransmitInterval is the engine's initial flight timer.
	RetransmitInterval time.Duration

	// IncomingQueueSize bounds records waiting for the worker. Records
	// arriving at a full queue are dropped.
	IncomingQueueSize int

	// StopTimeout caps how long Stop waits for in-flight work before
	// cancelling it.
	StopTimeout time.Duration

	// RoleConflictLimit is how many conflicting ClientHellos an auto
	// endpoint drops before yielding the client role.
	RoleConflictLimit int

	// OnHandshakeComplete runs after the peer certificate is verified
	// and before the stage reports StateConnected. It runs with the
	// session locked and must not call back into the SecureTransport.
	// An error fails the stage.
	OnHandshakeComplete func(KeyingMaterial) error

	Clock  clock.Clock
	Logger *slog.Logger
}

// KeyingMaterial is the view of a finished session given to
// OnHandshakeComplete.
type KeyingMaterial interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
	PeerCertificate() *x509.Certificate
	// Role is the role the session was negotiated in. SRTP keying
	// needs it to tell local keys from remote ones.
	Role() Role
}

// sessionView is the KeyingMaterial handed to OnHandshakeComplete.
type sessionView struct {
	engine.Session
	role Role
}

func (v sessionView) Role() Role { return v.role }

func (c *SecureConfig) applyDefaults() {
	if c.MaxHandshakeRetries <= 0 {
		c.MaxHandshakeRetries = DefaultMaxHandshakeRetries
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = engine.DefaultRetransmitInterval
	}
	if c.IncomingQueueSize <= 0 {
		c.IncomingQueueSize = DefaultIncomingQueueSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.RoleConflictLimit <= 0 {
		c.RoleConflictLimit = DefaultRoleConflictLimit
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// SecureStats counts a SecureTransport's traffic.
type SecureStats struct {
	RecordsReceived   uint64
	RecordsDropped    uint64
	RecordsSent       uint64
	BytesSent         uint64
	MessagesDelivered uint64

	// Retransmits counts flights the stage resent on its own timer.
	// Engines that run their own flight timer (dtls) retransmit
	// inside the library, which this counter does not see; it stays 0
	// for them.
	Retransmits uint64
}

// inbound is one item for the worker: a record from the lower stage,
// or a wake-up from an engine or a lower state change.
type inbound struct {
	record []byte
	wake   bool
}

// SecureTransport is the DTLS/TLS stage. It drives a handshake over
// the stage below, then encrypts Send payloads downward and delivers
// decrypted records upward.
//
// Records from the lower stage are queued and processed by one worker
// goroutine, so handshake work never runs on the lower stage's
// dispatcher. sessionMu serializes every call into the engine, from the
// worker and from Send; the queue has its own lock, so enqueueing never
// waits for crypto work.
type SecureTransport struct {
	*stage

	lower            Transport
	config           SecureConfig
	localFingerprint certificate.Fingerprint

	incoming    *queue.Queue[inbound]
	queued      atomic.Int64
	inflight    atomic.Int64
	wakePending atomic.Bool

	lowerWritable atomic.Bool
	lowerLost     atomic.Pointer[StateChange]

	tasks  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	sessionMu sync.Mutex
	// session is the committed session. Before an auto role resolves
	// it is nil and client/server hold the tentative sessions.
	session     engine.Session
	client      engine.Session
	server      engine.Session
	role        Role
	established bool
	failed      bool
	closed      bool
	deadline    time.Time
	retransmits int
	conflicts   int

	recordsReceived atomic.Uint64
	recordsDropped  atomic.Uint64
	recordsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	delivered       atomic.Uint64
	retransmitCount atomic.Uint64
}

// NewSecureTransport builds a secure stage over lower and binds to it.
// The stage owns lower from here on: Start starts it and Stop stops it.
func NewSecureTransport(lower Transport, config SecureConfig) (*SecureTransport, error) {
	config.applyDefaults()
	if lower == nil {
		return nil, fmt.Errorf("%w: no lower transport", ErrConfiguration)
	}
	if len(config.Certificate.Certificate) == 0 || config.Certificate.PrivateKey == nil {
		return nil, fmt.Errorf("%w: certificate and private key are required", ErrConfiguration)
	}
	if config.RemoteFingerprint.IsZero() {
		return nil, fmt.Errorf("%w: remote fingerprint is required", ErrConfiguration)
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("%w: no crypto engine", ErrConfiguration)
	}
	if !config.Backend.SupportsMode(config.Datagram) {
		return nil, fmt.Errorf("%w: engine %s does not support %s records",
			ErrConfiguration, config.Backend.Name(), recordMode(config.Datagram))
	}
	leaf, err := certificate.Leaf(config.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	localFingerprint, err := certificate.Of(leaf, config.RemoteFingerprint.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tasks, ctx := errgroup.WithContext(ctx)
	s := &SecureTransport{
		stage:            newStage("secure", config.Logger),
		lower:            lower,
		config:           config,
		localFingerprint: localFingerprint,
		incoming:         queue.NewWithClock[inbound](config.IncomingQueueSize, config.Clock),
		tasks:            tasks,
		ctx:              ctx,
		cancel:           cancel,
		role:             config.Role,
	}
	s.logger = s.logger.With("engine", config.Backend.Name(), "mode", recordMode(config.Datagram))
	if err := lower.Bind(Callbacks{OnMessage: s.Incoming, OnStateChange: s.lowerStateChanged}); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: binding lower transport: %v", ErrConfiguration, err)
	}
	return s, nil
}

func recordMode(datagram bool) string {
	if datagram {
		return "datagram"
	}
	return "stream"
}

// Start opens the handshake session, starts the lower stage, and
// launches the worker.
func (s *SecureTransport) Start() error {
	first, err := s.begin()
	if err != nil || !first {
		return err
	}
	s.transition(StateConnecting, nil)

	s.sessionMu.Lock()
	s.deadline = s.config.Clock.Now().Add(s.config.HandshakeTimeout)
	err = s.openLocked()
	if err != nil {
		s.failLocked(err)
	}
	s.sessionMu.Unlock()
	if err != nil {
		return err
	}

	if err := s.lower.Start(); err != nil {
		s.sessionMu.Lock()
		s.failLocked(fmt.Errorf("%w: %v", ErrLowerTransportLost, err))
		s.sessionMu.Unlock()
		return err
	}
	if s.lower.State().Established() {
		s.lowerWritable.Store(true)
	}

	s.tasks.Go(func() error { return s.run(s.ctx) })
	s.notify()
	return nil
}

// openLocked creates the session for a known role. An auto datagram
// endpoint opens only its server side here; the tentative client
// follows once the lower stage is writable.
func (s *SecureTransport) openLocked() error {
	role := s.config.Role
	if role == RoleAuto && !s.config.Datagram {
		role = s.tieBreakRole()
		s.logger.Info("handshake role resolved", "role", role.String(), "reason", "fingerprint order")
	}
	session, err := s.newSession(roleOrServer(role))
	if err != nil {
		return err
	}
	if role == RoleAuto {
		s.server = session
		return nil
	}
	s.session, s.role = session, role
	return nil
}

func roleOrServer(role Role) Role {
	if role == RoleAuto {
		return RoleServer
	}
	return role
}

// tieBreakRole decides a contested role: the endpoint whose
// fingerprint sorts lower is the server.
func (s *SecureTransport) tieBreakRole() Role {
	if s.localFingerprint.Compare(s.config.RemoteFingerprint) < 0 {
		return RoleServer
	}
	return RoleClient
}

func (s *SecureTransport) newSession(role Role) (engine.Session, error) {
	return s.config.Backend.NewSession(engine.SessionConfig{
		Certificate:         s.config.Certificate,
		Role:                role,
		Datagram:            s.config.Datagram,
		ExpectedFingerprint: s.config.RemoteFingerprint,
		ServerName:          s.config.ServerName,
		RetransmitInterval:  s.config.RetransmitInterval,
		MaxRetransmits:      s.config.MaxHandshakeRetries,
		Clock:               s.config.Clock,
		Logger:              s.logger.With("role", role.String()),
		Notify:              s.notify,
	})
}

// Stop closes the queue, waits for the worker (cancelling it after
// StopTimeout), closes the session, and stops the lower stage.
func (s *SecureTransport) Stop() error {
	if !s.end() {
		return nil
	}
	s.transition(StateDisconnecting, nil)
	s.incoming.Close()
	s.awaitTasks()
	s.cancel()

	s.sessionMu.Lock()
	s.closed = true
	for _, session := range s.activeLocked() {
		if err := session.Close(); err != nil {
			s.logger.Debug("closing engine session", "error", err)
		}
	}
	s.session, s.client, s.server = nil, nil, nil
	s.sessionMu.Unlock()

	if err := s.lower.Stop(); err != nil {
		s.logger.Warn("stopping lower transport", "error", err)
	}
	s.transition(StateDisconnected, nil)
	s.finish()
	return nil
}

func (s *SecureTransport) awaitTasks() {
	done := make(chan error, 1)
	go func() { done <- s.tasks.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Debug("worker exited with error", "error", err)
		}
	case <-s.config.Clock.After(s.config.StopTimeout):
		s.logger.Warn("in-flight work outlived stop timeout, cancelling",
			"pending", s.PendingOperations(), "timeout", s.config.StopTimeout)
		s.cancel()
	}
}

// Send encrypts message and forwards the ciphertext downward. It
// returns false before the handshake completes and after failure.
func (s *SecureTransport) Send(message Message) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.failed || s.closed || !s.established {
		return false
	}
	if err := s.session.WriteApplicationData(message.payload()); err != nil {
		s.logger.Debug("engine refused application data", "size", message.Len(), "error", err)
		return false
	}
	s.flushLocked(s.session)
	return true
}

// Incoming queues a record from the lower stage and returns. Records
// arriving at a full queue are dropped; after Stop they are ignored.
func (s *SecureTransport) Incoming(message Message) {
	s.queued.Add(1)
	if s.incoming.Push(inbound{record: message.payload()}) {
		return
	}
	s.queued.Add(-1)
	if s.incoming.Closed() {
		return
	}
	s.recordsDropped.Add(1)
	s.logger.Debug("incoming queue full, dropping record", "size", message.Len())
}

func (s *SecureTransport) lowerStateChanged(change StateChange) {
	switch {
	case change.Current.Established():
		s.lowerWritable.Store(true)
		s.notify()
	case change.Current == StateFailed, change.Current == StateDisconnected:
		s.lowerWritable.Store(false)
		if s.isStopped() {
			return
		}
		s.lowerLost.Store(&change)
		s.notify()
	}
}

// notify wakes the worker. At most one wake-up is queued at a time.
func (s *SecureTransport) notify() {
	if s.wakePending.CompareAndSwap(false, true) {
		if !s.incoming.Push(inbound{wake: true}) {
			s.wakePending.Store(false)
		}
	}
}

// run is the worker: it feeds queued records to the engine and fires
// timers until the queue closes.
func (s *SecureTransport) run(ctx context.Context) error {
	for {
		timeout, due := s.nextTimeout()
		if due {
			s.process(nil)
			continue
		}
		item, err := s.incoming.Pop(timeout)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			s.process(nil)
		case item.wake:
			s.wakePending.Store(false)
			s.process(nil)
		default:
			s.queued.Add(-1)
			s.recordsReceived.Add(1)
			s.process(item.record)
		}
	}
}

// nextTimeout returns how long the worker may wait for input, and
// whether a timer has already expired.
func (s *SecureTransport) nextTimeout() (time.Duration, bool) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.failed || s.closed || s.established {
		return 0, false
	}
	var earliest time.Duration
	found := false
	consider := func(delay time.Duration) {
		if !found || delay < earliest {
			earliest, found = delay, true
		}
	}
	consider(s.deadline.Sub(s.config.Clock.Now()))
	for _, session := range s.activeLocked() {
		if delay, ok := session.RetransmissionDeadline(); ok {
			consider(delay)
		}
	}
	if !found {
		return 0, false
	}
	return earliest, earliest <= 0
}

// process runs one step of the handshake loop: feed the record, fire
// due timers, forward output, and act on the session state.
func (s *SecureTransport) process(record []byte) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.failed || s.closed {
		return
	}
	if lost := s.lowerLost.Load(); lost != nil {
		cause := lost.Err
		if cause == nil {
			cause = fmt.Errorf("lower stage is %s", lost.Current)
		}
		s.failLocked(fmt.Errorf("%w: %v", ErrLowerTransportLost, cause))
		return
	}

	s.startTentativeClientLocked()
	if record != nil {
		s.feedLocked(record)
	}
	s.checkTimersLocked()
	if !s.failed {
		s.serviceLocked()
	}
}

// startTentativeClientLocked begins the client flight of an
// unresolved auto endpoint once the lower stage can carry it.
func (s *SecureTransport) startTentativeClientLocked() {
	if s.session != nil || s.client != nil || s.server == nil || !s.lowerWritable.Load() {
		return
	}
	client, err := s.newSession(RoleClient)
	if err != nil {
		s.failLocked(err)
		return
	}
	s.client = client
	s.logger.Debug("sent tentative client flight")
}

func (s *SecureTransport) feedLocked(record []byte) {
	target := s.session
	if target == nil {
		target = s.resolveLocked(record)
	}
	if target == nil {
		s.recordsDropped.Add(1)
		return
	}
	if err := target.FeedIncoming(record); err != nil {
		s.logger.Debug("engine rejected record", "size", len(record), "error", err)
	}
}

// resolveLocked routes a record for an unresolved auto endpoint,
// committing the role when the record decides it. The first hello
// wins: a ClientHello before any local flight makes this side the
// server; a ServerHello makes it the client. When both sides sent
// ClientHellos, the lower fingerprint becomes the server and the other
// side drops the hello, yielding after RoleConflictLimit drops.
func (s *SecureTransport) resolveLocked(record []byte) engine.Session {
	switch s.config.Backend.ClassifyRecord(record, s.config.Datagram) {
	case engine.RecordClientHello:
		switch {
		case s.client == nil:
			s.commitLocked(RoleServer, "client hello before local flight")
		case s.tieBreakRole() == RoleServer:
			s.commitLocked(RoleServer, "simultaneous open, local fingerprint sorts lower")
		default:
			s.conflicts++
			if s.conflicts < s.config.RoleConflictLimit {
				s.logger.Debug("dropping conflicting client hello", "conflicts", s.conflicts)
				return nil
			}
			s.commitLocked(RoleServer, fmt.Sprintf("yielding after %d conflicting hellos", s.conflicts))
		}
		return s.session
	case engine.RecordServerHello:
		if s.client == nil {
			return nil
		}
		s.commitLocked(RoleClient, "server hello")
		return s.session
	}
	if s.client == nil {
		return s.server
	}
	return nil
}

func (s *SecureTransport) commitLocked(role Role, reason string) {
	keep, discard := s.server, s.client
	if role == RoleClient {
		keep, discard = discard, keep
	}
	if discard != nil {
		discard.Close()
	}
	s.session, s.role = keep, role
	s.client, s.server = nil, nil
	s.logger.Info("handshake role resolved", "role", role.String(), "reason", reason)
}

func (s *SecureTransport) checkTimersLocked() {
	if s.established {
		return
	}
	if !s.config.Clock.Now().Before(s.deadline) {
		s.failLocked(fmt.Errorf("%w: no handshake within %v", ErrHandshakeTimeout, s.config.HandshakeTimeout))
		return
	}
	for _, session := range s.activeLocked() {
		delay, ok := session.RetransmissionDeadline()
		if !ok || delay > 0 {
			continue
		}
		if s.retransmits >= s.config.MaxHandshakeRetries {
			s.failLocked(fmt.Errorf("%w: %d retransmissions without a reply", ErrHandshakeTimeout, s.retransmits))
			return
		}
		s.retransmits++
		s.retransmitCount.Add(1)
		if err := session.Retransmit(); err != nil {
			s.logger.Debug("retransmission failed", "error", err)
		}
	}
}

// serviceLocked forwards pending output and reacts to the committed
// session's handshake state.
func (s *SecureTransport) serviceLocked() {
	if s.lowerWritable.Load() {
		for _, session := range s.activeLocked() {
			s.flushLocked(session)
		}
	}
	if s.session == nil {
		return
	}
	state := s.session.HandshakeState()
	switch state.Phase {
	case engine.HandshakeFailed:
		s.failLocked(state.Err)
	case engine.HandshakeComplete:
		if !s.established && !s.establishLocked() {
			return
		}
		for {
			data, ok := s.session.ReadApplicationData()
			if !ok {
				return
			}
			if s.deliver(Message{data: data}) {
				s.delivered.Add(1)
			}
		}
	}
}

// establishLocked verifies the peer and reports the stage connected.
func (s *SecureTransport) establishLocked() bool {
	if !s.session.VerifyPeerCertificate(s.config.RemoteFingerprint) {
		s.failLocked(fmt.Errorf("%w: peer certificate does not match %s",
			ErrCertificateVerificationFailed, s.config.RemoteFingerprint))
		return false
	}
	if hook := s.config.OnHandshakeComplete; hook != nil {
		if err := hook(sessionView{Session: s.session, role: s.role}); err != nil {
			s.failLocked(fmt.Errorf("post-handshake hook: %w", err))
			return false
		}
	}
	s.established = true
	s.transition(StateConnected, nil)
	s.logger.Info("secure session established", "role", s.role.String(), "retransmits", s.retransmits)
	return true
}

func (s *SecureTransport) flushLocked(session engine.Session) {
	for {
		record, ok := session.DrainOutgoing()
		if !ok {
			return
		}
		if !s.lower.Send(Message{data: record}) {
			s.logger.Debug("lower transport refused record", "size", len(record))
			continue
		}
		s.recordsSent.Add(1)
		s.bytesSent.Add(uint64(len(record)))
	}
}

func (s *SecureTransport) failLocked(err error) {
	if s.failed {
		return
	}
	s.failed = true
	s.transition(StateFailed, err)
}

func (s *SecureTransport) activeLocked() []engine.Session {
	var sessions []engine.Session
	for _, session := range []engine.Session{s.session, s.client, s.server} {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// Role returns the resolved handshake role, or RoleAuto while an auto
// endpoint is still undecided.
func (s *SecureTransport) Role() Role {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session == nil {
		return RoleAuto
	}
	return s.role
}

// LocalFingerprint returns this endpoint's certificate fingerprint, in
// the remote fingerprint's algorithm.
func (s *SecureTransport) LocalFingerprint() certificate.Fingerprint {
	return s.localFingerprint
}

// ExportKeyingMaterial derives keys from the session (RFC 5705). It
// fails until the stage is connected.
func (s *SecureTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if !s.established || s.failed || s.closed {
		return nil, engine.ErrHandshakeIncomplete
	}
	return s.session.ExportKeyingMaterial(label, context, length)
}

// PeerCertificate returns the verified peer certificate, or nil before
// the stage connects.
func (s *SecureTransport) PeerCertificate() *x509.Certificate {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if !s.established || s.session == nil {
		return nil
	}
	return s.session.PeerCertificate()
}

// PendingOperations returns the records waiting for the worker plus
// the step it is running, if any.
func (s *SecureTransport) PendingOperations() int {
	return int(s.queued.Load() + s.inflight.Load())
}

// Stats returns the traffic counters.
func (s *SecureTransport) Stats() SecureStats {
	return SecureStats{
		RecordsReceived:   s.recordsReceived.Load(),
		RecordsDropped:    s.recordsDropped.Load(),
		RecordsSent:       s.recordsSent.Load(),
		BytesSent:         s.bytesSent.Load(),
		MessagesDelivered: s.delivered.Load(),
		Retransmits:       s.retransmitCount.Load(),
	}
}
