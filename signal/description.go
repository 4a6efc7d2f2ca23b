// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/transport"
)

// Media section constants. The pipeline always negotiates a single
// application section carrying data channels.
const (
	mediaApplication  = "application"
	formatDataChannel = "webrtc-datachannel"
	protoDatagram     = "UDP/DTLS/SCTP"
	protoStream       = "TCP/DTLS/SCTP"
	mediaID           = "0"

	// discardPort is the placeholder port used when candidates, not
	// the connection line, carry the address (RFC 8839).
	discardPort = 9

	attributeFingerprint = "fingerprint"
	attributeICEUfrag    = "ice-ufrag"
	attributeICEPwd      = "ice-pwd"
	candidatePrefix      = "candidate:"
)

// SDP setup attribute values (RFC 4145, RFC 5763).
const (
	SetupActive  = "active"
	SetupPassive = "passive"
	SetupActPass = "actpass"
)

var (
	// ErrIncomplete is returned when a description lacks a field the
	// pipeline cannot start without.
	ErrIncomplete = errors.New("incomplete session description")

	// ErrInvalidSetup is returned for an unknown setup attribute.
	ErrInvalidSetup = errors.New("invalid setup attribute")
)

// Description is the part of a session description a peerlink
// pipeline consumes.
type Description struct {
	// Fingerprint identifies the sender's certificate. Required.
	Fingerprint certificate.Fingerprint

	// Setup is the sender's handshake role: client (active), server
	// (passive), or auto (actpass).
	Setup transport.Role

	// Datagram reports whether the secure stage runs in datagram mode.
	Datagram bool

	// ICE holds the sender's credentials and gathered candidates.
	// Empty for plain UDP or TCP paths.
	ICE transport.ICEParameters

	// Address is the sender's host:port for plain UDP or TCP paths.
	// Empty when ICE candidates carry the addresses.
	Address string
}

// Marshal renders d as SDP.
func (d Description) Marshal() (string, error) {
	if d.Fingerprint.IsZero() {
		return "", fmt.Errorf("%w: no fingerprint", ErrIncomplete)
	}
	if (d.ICE.Ufrag == "") != (d.ICE.Pwd == "") {
		return "", fmt.Errorf("%w: ice-ufrag and ice-pwd must be set together", ErrIncomplete)
	}

	host, port := "0.0.0.0", discardPort
	if d.Address != "" {
		var portText string
		var err error
		host, portText, err = net.SplitHostPort(d.Address)
		if err != nil {
			return "", fmt.Errorf("address %q: %w", d.Address, err)
		}
		port, err = strconv.Atoi(portText)
		if err != nil || port <= 0 || port > 65535 {
			return "", fmt.Errorf("address %q: invalid port", d.Address)
		}
	}

	session, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("creating session description: %w", err)
	}
	session.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+mediaID)

	proto := protoStream
	if d.Datagram {
		proto = protoDatagram
	}
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaApplication,
			Port:    sdp.RangedPort{Value: port},
			Protos:  strings.Split(proto, "/"),
			Formats: []string{formatDataChannel},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(host),
			Address:     &sdp.Address{Address: host},
		},
	}
	media.WithValueAttribute(sdp.AttrKeyMID, mediaID)
	if d.ICE.Ufrag != "" {
		media.WithICECredentials(d.ICE.Ufrag, d.ICE.Pwd)
	}
	media.WithFingerprint(d.Fingerprint.Algorithm, strings.ToUpper(d.Fingerprint.Value))
	media.WithValueAttribute(sdp.AttrKeyConnectionSetup, SetupAttribute(d.Setup))
	for _, candidate := range d.ICE.Candidates {
		media.WithCandidate(strings.TrimPrefix(candidate, candidatePrefix))
	}
	if len(d.ICE.Candidates) > 0 {
		media.WithPropertyAttribute(sdp.AttrKeyEndOfCandidates)
	}
	session.WithMedia(media)

	raw, err := session.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshaling session description: %w", err)
	}
	return string(raw), nil
}

// Parse reads a Description from SDP. Attributes are taken from the
// first application section, falling back to session level. A missing
// setup attribute is read as actpass.
func Parse(text string) (Description, error) {
	var session sdp.SessionDescription
	if err := session.Unmarshal([]byte(text)); err != nil {
		return Description{}, fmt.Errorf("parsing session description: %w", err)
	}
	media := applicationSection(&session)
	if media == nil {
		return Description{}, fmt.Errorf("%w: no media section", ErrIncomplete)
	}

	lookup := func(key string) (string, bool) {
		if value, ok := media.Attribute(key); ok {
			return value, true
		}
		return session.Attribute(key)
	}

	var description Description
	value, ok := lookup(attributeFingerprint)
	if !ok {
		return Description{}, fmt.Errorf("%w: no fingerprint", ErrIncomplete)
	}
	fingerprint, err := certificate.ParseFingerprint(value)
	if err != nil {
		return Description{}, err
	}
	description.Fingerprint = fingerprint

	description.Setup = transport.RoleAuto
	if value, ok := lookup(sdp.AttrKeyConnectionSetup); ok {
		if description.Setup, err = ParseSetup(value); err != nil {
			return Description{}, err
		}
	}

	description.Datagram = len(media.MediaName.Protos) > 0 && strings.EqualFold(media.MediaName.Protos[0], "UDP")

	description.ICE.Ufrag, _ = lookup(attributeICEUfrag)
	description.ICE.Pwd, _ = lookup(attributeICEPwd)
	if (description.ICE.Ufrag == "") != (description.ICE.Pwd == "") {
		return Description{}, fmt.Errorf("%w: ice-ufrag and ice-pwd must be set together", ErrIncomplete)
	}
	for _, attribute := range media.Attributes {
		if attribute.IsICECandidate() {
			description.ICE.Candidates = append(description.ICE.Candidates, attribute.Value)
		}
	}

	description.Address = connectionAddress(&session, media)
	return description, nil
}

// applicationSection returns the first application media section, or
// the first section of any kind.
func applicationSection(session *sdp.SessionDescription) *sdp.MediaDescription {
	for _, media := range session.MediaDescriptions {
		if media.MediaName.Media == mediaApplication {
			return media
		}
	}
	if len(session.MediaDescriptions) > 0 {
		return session.MediaDescriptions[0]
	}
	return nil
}

// connectionAddress returns host:port from the connection line and
// media port, or "" when they hold placeholders.
func connectionAddress(session *sdp.SessionDescription, media *sdp.MediaDescription) string {
	connection := media.ConnectionInformation
	if connection == nil {
		connection = session.ConnectionInformation
	}
	port := media.MediaName.Port.Value
	if connection == nil || connection.Address == nil || port == discardPort || port <= 0 {
		return ""
	}
	host := connection.Address.Address
	if address, err := netip.ParseAddr(host); err == nil && address.IsUnspecified() {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func addressType(host string) string {
	if address, err := netip.ParseAddr(host); err == nil && address.Is6() && !address.Is4In6() {
		return "IP6"
	}
	return "IP4"
}

// SetupAttribute returns the setup attribute value for role.
func SetupAttribute(role transport.Role) string {
	switch role {
	case transport.RoleClient:
		return SetupActive
	case transport.RoleServer:
		return SetupPassive
	default:
		return SetupActPass
	}
}

// ParseSetup maps a setup attribute value to a role: active is client,
// passive is server, actpass is auto.
func ParseSetup(value string) (transport.Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SetupActive:
		return transport.RoleClient, nil
	case SetupPassive:
		return transport.RoleServer, nil
	case SetupActPass:
		return transport.RoleAuto, nil
	default:
		return transport.RoleAuto, fmt.Errorf("%w: %q", ErrInvalidSetup, value)
	}
}

// AnswerSetup picks the answerer's role for an offered setup. An
// actpass offer is answered active (RFC 5763 section 5).
func AnswerSetup(offered transport.Role) transport.Role {
	if offered == transport.RoleAuto {
		return transport.RoleClient
	}
	return ResolveRole(offered)
}

// ResolveRole returns the local role implied by the peer's setup. A
// peer that stays actpass leaves the local role auto, to be settled by
// the secure stage's own tie-break.
func ResolveRole(remote transport.Role) transport.Role {
	switch remote {
	case transport.RoleClient:
		return transport.RoleServer
	case transport.RoleServer:
		return transport.RoleClient
	default:
		return transport.RoleAuto
	}
}
