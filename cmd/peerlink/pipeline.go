// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/config"
	"github.com/bureau-foundation/peerlink/signal"
	"github.com/bureau-foundation/peerlink/transport"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// defaultAdvertiseHost is published when the local address binds every
// interface and no advertise host is configured.
const defaultAdvertiseHost = "127.0.0.1"

// pipeline is the assembled stage stack: a lower stage, the secure
// stage, and an optional compression stage on top.
type pipeline struct {
	lower  transport.Transport
	secure *transport.SecureTransport
	top    transport.Transport

	fingerprint certificate.Fingerprint
}

// Start starts the stack from the top; each stage starts the one
// below it.
func (p *pipeline) Start() error {
	return p.top.Start()
}

// Close stops the stack.
func (p *pipeline) Close() error {
	switch {
	case p.top != nil:
		return p.top.Stop()
	case p.lower != nil:
		return p.lower.Stop()
	}
	return nil
}

// loadIdentity loads the configured certificate, or generates a fresh
// one when none is configured.
func loadIdentity(identity config.IdentityConfig) (tls.Certificate, error) {
	if identity.Certificate == "" {
		return certificate.Generate(certificate.GenerateOptions{})
	}
	var identities []age.Identity
	if identity.AgeIdentity != "" {
		var err error
		if identities, err = certificate.LoadIdentities(identity.AgeIdentity); err != nil {
			return tls.Certificate{}, err
		}
	}
	return certificate.LoadKeyPair(identity.Certificate, identity.PrivateKey, identities...)
}

// buildPipeline assembles the stack described by cfg. With signaling
// enabled it blocks until the description exchange finishes. The
// returned pipeline is not started.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	identity, err := loadIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	fingerprint, err := certificate.OfTLS(identity)
	if err != nil {
		return nil, err
	}
	role, err := engine.ParseRole(cfg.Security.Role)
	if err != nil {
		return nil, err
	}
	backend, err := engine.Lookup(strings.ToLower(cfg.Security.Engine))
	if err != nil {
		return nil, err
	}
	compression, err := transport.ParseCompression(cfg.Pipeline.Compression)
	if err != nil {
		return nil, err
	}
	var remoteFingerprint certificate.Fingerprint
	if cfg.Security.RemoteFingerprint != "" {
		if remoteFingerprint, err = certificate.ParseFingerprint(cfg.Security.RemoteFingerprint); err != nil {
			return nil, fmt.Errorf("security.remote_fingerprint: %w", err)
		}
	}
	logger.Info("local identity", "fingerprint", fingerprint.String())

	p := &pipeline{fingerprint: fingerprint}
	built := false
	defer func() {
		if !built {
			p.Close()
		}
	}()

	lower := &lowerStage{config: cfg.Transport, logger: logger}
	if err := lower.open(); err != nil {
		return nil, err
	}
	p.lower = lower.transport

	if cfg.Signal.Enabled() {
		local := signal.Description{
			Fingerprint: fingerprint,
			Setup:       role,
			Datagram:    cfg.Security.Datagram,
		}
		if local.ICE, local.Address, err = lower.advertise(ctx); err != nil {
			return nil, err
		}
		remote, resolved, err := p.exchange(ctx, cfg.Signal, local, logger)
		if err != nil {
			return nil, err
		}
		role, remoteFingerprint = resolved, remote.Fingerprint
		if err := lower.connectTo(remote, cfg.Signal.Offer); err != nil {
			return nil, err
		}
	} else if err := lower.connectTo(signal.Description{Address: cfg.Transport.RemoteAddress}, false); err != nil {
		return nil, err
	}
	p.lower = lower.transport

	p.secure, err = transport.NewSecureTransport(p.lower, transport.SecureConfig{
		Role:                role,
		Certificate:         identity,
		RemoteFingerprint:   remoteFingerprint,
		Datagram:            cfg.Security.Datagram,
		Backend:             backend,
		ServerName:          cfg.Security.ServerName,
		MaxHandshakeRetries: cfg.Security.MaxHandshakeRetries,
		HandshakeTimeout:    cfg.Security.HandshakeTimeout,
		RetransmitInterval:  cfg.Security.RetransmitInterval,
		IncomingQueueSize:   cfg.Pipeline.IncomingQueueSize,
		StopTimeout:         cfg.Pipeline.StopTimeout,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	p.top = p.secure

	if compression != transport.CompressionNone {
		compressor, err := transport.NewCompressTransport(p.secure, transport.CompressConfig{
			Compression: compression,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		p.top = compressor
	}
	built = true
	return p, nil
}

// exchange runs one offer/answer round trip and returns the peer's
// description with the resolved local role.
func (p *pipeline) exchange(ctx context.Context, settings config.SignalConfig, local signal.Description, logger *slog.Logger) (signal.Description, transport.Role, error) {
	signaler, err := openSignaler(ctx, settings, logger)
	if err != nil {
		return signal.Description{}, transport.RoleAuto, err
	}
	if closer, ok := signaler.(io.Closer); ok {
		defer closer.Close()
	}
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	if settings.Offer {
		name := settings.Name
		if name == "" {
			name = uuid.NewString()
		}
		if err := signal.Offer(ctx, signaler, name, settings.Peer, local); err != nil {
			return signal.Description{}, transport.RoleAuto, fmt.Errorf("publishing offer: %w", err)
		}
		logger.Info("offer published, waiting for answer", "name", name, "peer", settings.Peer)
		remote, err := signal.AwaitAnswer(ctx, signaler, clock.Real(), name, settings.Peer, signal.DefaultPollInterval)
		if err != nil {
			return signal.Description{}, transport.RoleAuto, err
		}
		role := local.Setup
		if role == transport.RoleAuto {
			role = signal.ResolveRole(remote.Setup)
		}
		logger.Info("answer received", "peer", settings.Peer, "role", role.String())
		return remote, role, nil
	}

	logger.Info("waiting for offer", "name", settings.Name)
	for {
		peer, remote, err := signal.AwaitOffer(ctx, signaler, clock.Real(), settings.Name, signal.DefaultPollInterval)
		if err != nil {
			return signal.Description{}, transport.RoleAuto, err
		}
		if settings.Peer != "" && peer != settings.Peer {
			logger.Warn("ignoring offer from unexpected peer", "peer", peer, "want", settings.Peer)
			continue
		}
		local.Setup = signal.AnswerSetup(remote.Setup)
		if err := signal.Answer(ctx, signaler, peer, settings.Name, local); err != nil {
			return signal.Description{}, transport.RoleAuto, fmt.Errorf("publishing answer: %w", err)
		}
		logger.Info("answered offer", "peer", peer, "role", local.Setup.String())
		return remote, local.Setup, nil
	}
}

// openSignaler opens the configured signaling backend.
func openSignaler(ctx context.Context, settings config.SignalConfig, logger *slog.Logger) (signal.Signaler, error) {
	if settings.Redis != "" {
		return signal.NewRedisSignaler(ctx, signal.RedisConfig{URL: settings.Redis, Logger: logger})
	}
	return signal.NewDirectorySignaler(settings.Directory, clock.Real(), logger)
}

// lowerStage builds the configured network stage. A dialing TCP stage
// is created only once the address to dial is known.
type lowerStage struct {
	config config.TransportConfig
	logger *slog.Logger

	transport transport.Transport
	udp       *transport.UDPTransport
	tcp       *transport.TCPTransport
	ice       *transport.ICETransport
}

func (l *lowerStage) open() error {
	switch strings.ToLower(l.config.Kind) {
	case config.TransportUDP:
		udp, err := transport.NewUDPTransport(transport.UDPConfig{
			LocalAddress: l.config.LocalAddress,
			Logger:       l.logger,
		})
		if err != nil {
			return err
		}
		l.udp, l.transport = udp, udp
	case config.TransportTCP:
		if !l.config.Listen {
			return nil
		}
		tcp, err := transport.NewTCPTransport(transport.TCPConfig{
			Address: l.config.LocalAddress,
			Listen:  true,
			Logger:  l.logger,
		})
		if err != nil {
			return err
		}
		l.tcp, l.transport = tcp, tcp
	case config.TransportICE:
		var servers []webrtc.ICEServer
		for _, server := range l.config.ICEServers {
			servers = append(servers, transport.ICEServersFromURLs(server.URLs, server.Username, server.Credential)...)
		}
		ice, err := transport.NewICETransport(transport.ICEConfig{
			Servers:         servers,
			IncludeLoopback: true,
			Logger:          l.logger,
		})
		if err != nil {
			return err
		}
		l.ice, l.transport = ice, ice
	default:
		return fmt.Errorf("unknown transport kind %q", l.config.Kind)
	}
	return nil
}

// advertise returns what the local description should carry: ICE
// parameters, or the address the peer should reach.
func (l *lowerStage) advertise(ctx context.Context) (transport.ICEParameters, string, error) {
	switch {
	case l.ice != nil:
		params, err := l.ice.LocalParameters(ctx)
		return params, "", err
	case l.udp != nil:
		return transport.ICEParameters{}, l.advertiseAddress(l.udp.LocalAddr()), nil
	case l.tcp != nil:
		return transport.ICEParameters{}, l.advertiseAddress(l.tcp.Addr()), nil
	}
	return transport.ICEParameters{}, "", nil
}

func (l *lowerStage) advertiseAddress(address net.Addr) string {
	addrPort, err := netip.ParseAddrPort(address.String())
	if err != nil {
		return address.String()
	}
	if !addrPort.Addr().IsUnspecified() {
		return addrPort.String()
	}
	host := l.config.AdvertiseHost
	if host == "" {
		host = defaultAdvertiseHost
	}
	return net.JoinHostPort(host, fmt.Sprint(addrPort.Port()))
}

// connectTo points the stage at the peer described by remote.
func (l *lowerStage) connectTo(remote signal.Description, controlling bool) error {
	switch {
	case l.ice != nil:
		return l.ice.SetRemoteParameters(remote.ICE, controlling)
	case l.udp != nil:
		if remote.Address == "" {
			// Latch onto the first datagram.
			return nil
		}
		return l.udp.SetRemoteAddress(remote.Address)
	case l.tcp != nil:
		return nil
	}
	address := remote.Address
	if address == "" {
		address = l.config.RemoteAddress
	}
	if address == "" {
		return errors.New("no tcp address to dial: the peer must listen")
	}
	tcp, err := transport.NewTCPTransport(transport.TCPConfig{Address: address, Logger: l.logger})
	if err != nil {
		return err
	}
	l.tcp, l.transport = tcp, tcp
	return nil
}
