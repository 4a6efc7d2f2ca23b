// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package piondtls is the DTLS 1.2 engine, built on pion/dtls. It runs
// the library over an in-memory packet connection (see package pipe),
// so pion keeps its own flight timers and the session owner only moves
// datagrams.
//
// Both sides present certificates. Chain validation is skipped in
// favour of pinning the peer certificate's fingerprint, which is
// checked in pion's VerifyPeerCertificate callback so a mismatch
// aborts the handshake with a bad_certificate alert. The DTLS-SRTP
// extension offers SRTP_AES128_CM_HMAC_SHA1_80.
package piondtls

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3"

	"github.com/bureau-foundation/peerlink/lib/logging"
	"github.com/bureau-foundation/peerlink/transport/engine"
	"github.com/bureau-foundation/peerlink/transport/engine/pipe"
)

// Name is the registry name of this engine.
const Name = "dtls"

// receiveBufferSize holds the largest DTLS record pion will emit.
const receiveBufferSize = 8192

// SRTPProfiles are the DTLS-SRTP protection profiles offered.
var SRTPProfiles = []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80}

// Backend creates pion/dtls sessions.
type Backend struct{}

func init() {
	engine.Register(Backend{})
}

// Name returns "dtls".
func (Backend) Name() string { return Name }

// SupportsMode reports true only for datagram records.
func (Backend) SupportsMode(datagram bool) bool { return datagram }

// ClassifyRecord parses the DTLS record header.
func (Backend) ClassifyRecord(record []byte, _ bool) engine.RecordKind {
	return engine.ClassifyDTLS(record)
}

// NewSession starts a DTLS handshake in the configured role. pion
// retransmits each flight every RetransmitInterval; the handshake
// fails with ErrHandshakeTimeout once RetransmitBudget elapses.
func (Backend) NewSession(config engine.SessionConfig) (engine.Session, error) {
	config, err := config.Prepare()
	if err != nil {
		return nil, err
	}
	if !config.Datagram {
		return nil, fmt.Errorf("%w: %s requires datagram mode", engine.ErrUnsupportedMode, Name)
	}

	session := pipe.NewSession(config)
	dtlsConfig := &dtls.Config{
		Certificates:           []tls.Certificate{config.Certificate},
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  session.VerifyConnection,
		ClientAuth:             dtls.RequireAnyClientCert,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: SRTPProfiles,
		FlightInterval:         config.RetransmitInterval,
		ServerName:             config.ServerName,
		LoggerFactory:          logging.NewFactory(config.Logger),
	}

	conn := session.Conn()
	var dtlsConn *dtls.Conn
	if config.Role == engine.RoleClient {
		dtlsConn, err = dtls.Client(conn, conn.RemoteAddr(), dtlsConfig)
	} else {
		dtlsConn, err = dtls.Server(conn, conn.RemoteAddr(), dtlsConfig)
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: creating DTLS %s: %v", engine.ErrConfiguration, config.Role, err)
	}

	session.Start(driver{dtlsConn}, classify, engine.RetransmitBudget(config.RetransmitInterval, config.MaxRetransmits), receiveBufferSize)
	return session, nil
}

// driver adapts *dtls.Conn to pipe.Driver.
type driver struct {
	*dtls.Conn
}

func (d driver) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state, ok := d.Conn.ConnectionState()
	if !ok {
		return nil, engine.ErrHandshakeIncomplete
	}
	return state.ExportKeyingMaterial(label, context, length)
}

// classify maps pion handshake errors onto the engine sentinels. pion
// reports alerts as "alert: Alert LevelFatal: <Description>", and its
// local negotiation errors by message only.
func classify(err error) error {
	message := err.Error()
	for _, marker := range []string{"BadCertificate", "UnsupportedCertificate", "CertificateUnknown", "no certificate"} {
		if strings.Contains(message, marker) {
			return fmt.Errorf("%w: %v", engine.ErrCertificate, err)
		}
	}
	return fmt.Errorf("%w: %v", engine.ErrNegotiation, err)
}
