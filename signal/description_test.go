// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/transport"
)

func testFingerprint(t *testing.T) certificate.Fingerprint {
	t.Helper()
	pair, err := certificate.Generate(certificate.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	fingerprint, err := certificate.OfTLS(pair)
	if err != nil {
		t.Fatalf("OfTLS() error: %v", err)
	}
	return fingerprint
}

func TestDescriptionICERoundTrip(t *testing.T) {
	original := Description{
		Fingerprint: testFingerprint(t),
		Setup:       transport.RoleAuto,
		Datagram:    true,
		ICE: transport.ICEParameters{
			Ufrag: "abcd",
			Pwd:   "0123456789abcdef01234567",
			Candidates: []string{
				"candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
				"2 1 udp 1694498815 198.51.100.7 40000 typ srflx raddr 0.0.0.0 rport 50000",
			},
		},
	}
	text, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	for _, want := range []string{"a=setup:actpass", "a=ice-ufrag:abcd", "a=end-of-candidates", "UDP/DTLS/SCTP"} {
		if !strings.Contains(text, want) {
			t.Errorf("SDP missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(text, "a=fingerprint:sha-256 "+strings.ToUpper(original.Fingerprint.Value)) {
		t.Errorf("SDP fingerprint not uppercase hex:\n%s", text)
	}

	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !parsed.Fingerprint.Equal(original.Fingerprint) {
		t.Errorf("fingerprint = %s, want %s", parsed.Fingerprint, original.Fingerprint)
	}
	if parsed.Setup != transport.RoleAuto || !parsed.Datagram {
		t.Errorf("setup %s datagram %v, want auto true", parsed.Setup, parsed.Datagram)
	}
	if parsed.ICE.Ufrag != "abcd" || parsed.ICE.Pwd != original.ICE.Pwd {
		t.Errorf("ice credentials = %q/%q", parsed.ICE.Ufrag, parsed.ICE.Pwd)
	}
	wantCandidates := []string{
		"1 1 udp 2130706431 192.0.2.1 50000 typ host",
		"2 1 udp 1694498815 198.51.100.7 40000 typ srflx raddr 0.0.0.0 rport 50000",
	}
	if !slices.Equal(parsed.ICE.Candidates, wantCandidates) {
		t.Errorf("candidates = %q, want %q", parsed.ICE.Candidates, wantCandidates)
	}
	if parsed.Address != "" {
		t.Errorf("address = %q, want empty for ICE", parsed.Address)
	}
}

func TestDescriptionAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		datagram bool
	}{
		{"ipv4 stream", "192.0.2.10:4433", false},
		{"ipv6 datagram", "[2001:db8::1]:5000", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			text, err := Description{
				Fingerprint: testFingerprint(t),
				Setup:       transport.RoleServer,
				Datagram:    test.datagram,
				Address:     test.address,
			}.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}
			parsed, err := Parse(text)
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if parsed.Address != test.address {
				t.Errorf("address = %q, want %q", parsed.Address, test.address)
			}
			if parsed.Datagram != test.datagram {
				t.Errorf("datagram = %v, want %v", parsed.Datagram, test.datagram)
			}
			if parsed.Setup != transport.RoleServer {
				t.Errorf("setup = %s, want server", parsed.Setup)
			}
		})
	}
}

func TestDescriptionMarshalRejects(t *testing.T) {
	fingerprint := testFingerprint(t)
	tests := []struct {
		name        string
		description Description
		incomplete  bool
	}{
		{"no fingerprint", Description{}, true},
		{"half credentials", Description{Fingerprint: fingerprint, ICE: transport.ICEParameters{Ufrag: "x"}}, true},
		{"bad address", Description{Fingerprint: fingerprint, Address: "nowhere"}, false},
		{"bad port", Description{Fingerprint: fingerprint, Address: "192.0.2.1:70000"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.description.Marshal()
			if err == nil {
				t.Fatal("Marshal() succeeded")
			}
			if errors.Is(err, ErrIncomplete) != test.incomplete {
				t.Errorf("Marshal() error = %v, ErrIncomplete %v", err, test.incomplete)
			}
		})
	}
}

func TestParseSessionLevelAttributes(t *testing.T) {
	fingerprint := testFingerprint(t)
	text := "v=0\r\n" +
		"o=- 1 2 IN IP4 0.0.0.0\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=fingerprint:" + fingerprint.Algorithm + " " + strings.ToUpper(fingerprint.Value) + "\r\n" +
		"a=ice-ufrag:u\r\n" +
		"a=ice-pwd:p\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n"
	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !parsed.Fingerprint.Equal(fingerprint) {
		t.Errorf("fingerprint = %s, want %s", parsed.Fingerprint, fingerprint)
	}
	if parsed.Setup != transport.RoleAuto {
		t.Errorf("missing setup parsed as %s, want auto", parsed.Setup)
	}
	if parsed.ICE.Ufrag != "u" || parsed.ICE.Pwd != "p" {
		t.Errorf("ice credentials = %q/%q, want u/p", parsed.ICE.Ufrag, parsed.ICE.Pwd)
	}
}

func TestParseRejects(t *testing.T) {
	header := "v=0\r\no=- 1 2 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	media := "m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\n"
	fingerprint := testFingerprint(t)
	fingerprintLine := "a=fingerprint:sha-256 " + fingerprint.Value + "\r\n"

	tests := []struct {
		name string
		text string
		want error
	}{
		{"no media", header, ErrIncomplete},
		{"no fingerprint", header + media, ErrIncomplete},
		{"bad fingerprint", header + media + "a=fingerprint:sha-256 zz\r\n", certificate.ErrInvalidFingerprint},
		{"holdconn setup", header + media + fingerprintLine + "a=setup:holdconn\r\n", ErrInvalidSetup},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse(test.text); !errors.Is(err, test.want) {
				t.Errorf("Parse() error = %v, want %v", err, test.want)
			}
		})
	}
	if _, err := Parse("not sdp"); err == nil {
		t.Error("Parse(garbage) succeeded")
	}
}

func TestSetupMapping(t *testing.T) {
	tests := []struct {
		value    string
		role     transport.Role
		answer   transport.Role
		resolved transport.Role
	}{
		{SetupActive, transport.RoleClient, transport.RoleServer, transport.RoleServer},
		{SetupPassive, transport.RoleServer, transport.RoleClient, transport.RoleClient},
		{SetupActPass, transport.RoleAuto, transport.RoleClient, transport.RoleAuto},
	}
	for _, test := range tests {
		t.Run(test.value, func(t *testing.T) {
			role, err := ParseSetup(test.value)
			if err != nil {
				t.Fatalf("ParseSetup(%q) error: %v", test.value, err)
			}
			if role != test.role {
				t.Errorf("ParseSetup(%q) = %s, want %s", test.value, role, test.role)
			}
			if got := SetupAttribute(role); got != test.value {
				t.Errorf("SetupAttribute(%s) = %q, want %q", role, got, test.value)
			}
			if got := AnswerSetup(role); got != test.answer {
				t.Errorf("AnswerSetup(%s) = %s, want %s", role, got, test.answer)
			}
			if got := ResolveRole(role); got != test.resolved {
				t.Errorf("ResolveRole(%s) = %s, want %s", role, got, test.resolved)
			}
		})
	}
}
