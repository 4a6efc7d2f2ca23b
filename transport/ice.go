// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peerlink/lib/logging"
	"github.com/bureau-foundation/peerlink/lib/netutil"
)

// Compile-time interface check.
var _ Transport = (*ICETransport)(nil)

// iceGatherTimeout is the maximum time LocalParameters waits for
// candidate gathering to complete.
const iceGatherTimeout = 15 * time.Second

// ICEConfig holds the STUN and TURN servers used during candidate
// gathering, plus agent tuning.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN). Order matters:
	// pion tries them in sequence. An empty list gathers only host
	// candidates, which is sufficient for same-machine and same-LAN
	// links.
	Servers []webrtc.ICEServer

	// IncludeLoopback gathers loopback host candidates. Only useful for
	// tests and same-host links.
	IncludeLoopback bool

	// DisconnectedTimeout and FailedTimeout tune connectivity checks.
	// Zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration

	Logger *slog.Logger
}

// ICEServersFromURLs builds a server list from STUN/TURN URLs sharing
// one set of credentials, the shape TURN credential endpoints return.
func ICEServersFromURLs(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}
}

// parseICEServers converts the configured servers into agent URIs.
func parseICEServers(servers []webrtc.ICEServer) ([]*stun.URI, error) {
	var uris []*stun.URI
	for _, server := range servers {
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: ice server %q: %v", ErrConfiguration, raw, err)
			}
			if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
				password, _ := server.Credential.(string)
				if server.Username == "" || password == "" {
					return nil, fmt.Errorf("%w: turn server %q needs a username and credential", ErrConfiguration, raw)
				}
				uri.Username = server.Username
				uri.Password = password
			}
			uris = append(uris, uri)
		}
	}
	return uris, nil
}

// ICEParameters are the local or remote values the signaling channel
// carries: credentials plus every gathered candidate.
type ICEParameters struct {
	Ufrag      string
	Pwd        string
	Candidates []string
}

// ICETransport is a lower stage over a pion ICE agent. Gathering
// starts at construction; exchange LocalParameters with the peer, call
// SetRemoteParameters, then Start runs connectivity checks and dials
// (controlling) or accepts (controlled). All candidates are gathered
// before parameters are published, so signaling needs one round trip.
type ICETransport struct {
	*stage

	agent *ice.Agent

	gathered chan struct{}

	paramsMu    sync.Mutex
	remote      *ICEParameters
	controlling bool

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *ice.Conn

	workers sync.WaitGroup
}

// NewICETransport creates the agent and begins gathering candidates.
func NewICETransport(config ICEConfig) (*ICETransport, error) {
	uris, err := parseICEServers(config.Servers)
	if err != nil {
		return nil, err
	}
	agentConfig := &ice.AgentConfig{
		Urls:             uris,
		NetworkTypes:     []ice.NetworkType{ice.NetworkTypeUDP4},
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		IncludeLoopback:  config.IncludeLoopback,
		LoggerFactory:    logging.NewFactory(config.Logger),
	}
	if config.DisconnectedTimeout > 0 {
		agentConfig.DisconnectedTimeout = &config.DisconnectedTimeout
	}
	if config.FailedTimeout > 0 {
		agentConfig.FailedTimeout = &config.FailedTimeout
	}
	agent, err := ice.NewAgent(agentConfig)
	if err != nil {
		return nil, fmt.Errorf("creating ice agent: %w", err)
	}

	t := &ICETransport{
		stage:    newStage("ice", config.Logger),
		agent:    agent,
		gathered: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	var gatherOnce sync.Once
	if err := agent.OnCandidate(func(candidate ice.Candidate) {
		if candidate == nil {
			gatherOnce.Do(func() { close(t.gathered) })
			return
		}
		t.logger.Debug("gathered ice candidate", "candidate", candidate.String())
	}); err != nil {
		agent.Close()
		return nil, fmt.Errorf("registering candidate handler: %w", err)
	}
	if err := agent.OnConnectionStateChange(t.iceStateChanged); err != nil {
		agent.Close()
		return nil, fmt.Errorf("registering state handler: %w", err)
	}
	if err := agent.GatherCandidates(); err != nil {
		agent.Close()
		return nil, fmt.Errorf("gathering ice candidates: %w", err)
	}
	return t, nil
}

// LocalParameters waits for gathering to finish and returns the local
// credentials and candidates.
func (t *ICETransport) LocalParameters(ctx context.Context) (ICEParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, iceGatherTimeout)
	defer cancel()
	select {
	case <-t.gathered:
	case <-ctx.Done():
		return ICEParameters{}, fmt.Errorf("waiting for ice gathering: %w", ctx.Err())
	}

	ufrag, pwd, err := t.agent.GetLocalUserCredentials()
	if err != nil {
		return ICEParameters{}, fmt.Errorf("reading local ice credentials: %w", err)
	}
	candidates, err := t.agent.GetLocalCandidates()
	if err != nil {
		return ICEParameters{}, fmt.Errorf("reading local ice candidates: %w", err)
	}
	params := ICEParameters{Ufrag: ufrag, Pwd: pwd}
	for _, candidate := range candidates {
		params.Candidates = append(params.Candidates, candidate.Marshal())
	}
	return params, nil
}

// SetRemoteParameters records the peer's credentials and candidates.
// The controlling side dials; the other accepts.
func (t *ICETransport) SetRemoteParameters(params ICEParameters, controlling bool) error {
	if params.Ufrag == "" || params.Pwd == "" {
		return fmt.Errorf("%w: remote ice credentials are required", ErrConfiguration)
	}
	for _, raw := range params.Candidates {
		candidate, err := ice.UnmarshalCandidate(raw)
		if err != nil {
			return fmt.Errorf("%w: remote candidate %q: %v", ErrConfiguration, raw, err)
		}
		if err := t.agent.AddRemoteCandidate(candidate); err != nil {
			return fmt.Errorf("adding remote candidate: %w", err)
		}
	}
	t.paramsMu.Lock()
	t.remote = &params
	t.controlling = controlling
	t.paramsMu.Unlock()
	return nil
}

// Start runs connectivity checks in the background. It needs the
// remote parameters.
func (t *ICETransport) Start() error {
	t.paramsMu.Lock()
	remote, controlling := t.remote, t.controlling
	t.paramsMu.Unlock()
	if remote == nil {
		return fmt.Errorf("%w: remote ice parameters are not set", ErrConfiguration)
	}

	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	t.transition(StateConnecting, nil)
	t.workers.Add(1)
	go t.connect(*remote, controlling)
	return nil
}

func (t *ICETransport) connect(remote ICEParameters, controlling bool) {
	defer t.workers.Done()

	var conn *ice.Conn
	var err error
	if controlling {
		conn, err = t.agent.Dial(t.ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = t.agent.Accept(t.ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		if t.isStopped() {
			return
		}
		t.transition(StateFailed, fmt.Errorf("%w: ice connectivity checks: %v", ErrLowerTransportLost, err))
		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	if pair, err := t.agent.GetSelectedCandidatePair(); err == nil && pair != nil {
		t.logger.Info("ice connected", "local", pair.Local.String(), "remote", pair.Remote.String())
	}
	t.transition(StateConnected, nil)

	t.workers.Add(1)
	go t.readLoop(conn)
}

// iceStateChanged maps agent states onto the stage. Connected is
// reported by connect once the Conn exists.
func (t *ICETransport) iceStateChanged(state ice.ConnectionState) {
	t.logger.Debug("ice state changed", "ice_state", state.String())
	if t.isStopped() {
		return
	}
	switch state {
	case ice.ConnectionStateChecking:
		t.transition(StateConnecting, nil)
	case ice.ConnectionStateCompleted:
		t.transition(StateCompleted, nil)
	case ice.ConnectionStateFailed:
		t.transition(StateFailed, fmt.Errorf("%w: ice connectivity failed", ErrLowerTransportLost))
	case ice.ConnectionStateDisconnected, ice.ConnectionStateClosed:
		t.transition(StateDisconnected, nil)
	}
}

// Stop closes the agent and waits for the I/O goroutines.
func (t *ICETransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.cancel()
	if err := t.agent.Close(); err != nil && !errors.Is(err, ice.ErrClosed) {
		t.logger.Debug("closing ice agent", "error", err)
	}
	t.workers.Wait()
	t.shutdown()
	t.finish()
	return nil
}

// Send writes message as one datagram over the selected pair.
func (t *ICETransport) Send(message Message) bool {
	if !t.State().Established() {
		return false
	}
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return false
	}
	if _, err := conn.Write(message.payload()); err != nil {
		t.logger.Debug("ice write failed", "error", err)
		return false
	}
	return true
}

func (t *ICETransport) readLoop(conn *ice.Conn) {
	defer t.workers.Done()
	buffer := make([]byte, udpReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			if t.isStopped() || netutil.IsExpectedCloseError(err) || errors.Is(err, ice.ErrClosed) {
				return
			}
			t.transition(StateFailed, fmt.Errorf("%w: %v", ErrLowerTransportLost, err))
			return
		}
		t.deliver(NewMessage(KindBinary, buffer[:n]))
	}
}
