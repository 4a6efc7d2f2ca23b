// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peerlink/lib/testutil"
)

func TestICEServersFromURLsEmpty(t *testing.T) {
	if servers := ICEServersFromURLs(nil, "user", "pass"); len(servers) != 0 {
		t.Errorf("expected no ICE servers for empty URLs, got %d", len(servers))
	}
}

func TestICEServersFromURLsWithCredentials(t *testing.T) {
	servers := ICEServersFromURLs([]string{
		"turn:turn.example.net:3478?transport=udp",
		"turn:turn.example.net:3478?transport=tcp",
	}, "1234:user", "secret")
	if len(servers) != 1 {
		t.Fatalf("expected 1 ICE server entry, got %d", len(servers))
	}
	server := servers[0]
	if len(server.URLs) != 2 {
		t.Errorf("expected 2 URLs, got %d", len(server.URLs))
	}
	if server.Username != "1234:user" {
		t.Errorf("username = %q, want %q", server.Username, "1234:user")
	}
	if server.Credential != "secret" {
		t.Errorf("credential = %v, want %q", server.Credential, "secret")
	}

	uris, err := parseICEServers(servers)
	if err != nil {
		t.Fatalf("parseICEServers() error: %v", err)
	}
	if len(uris) != 2 || uris[0].Username != "1234:user" || uris[0].Password != "secret" {
		t.Errorf("parsed URIs = %v, want credentials carried onto both", uris)
	}
}

func TestParseICEServersRejects(t *testing.T) {
	tests := []struct {
		name   string
		server webrtc.ICEServer
	}{
		{"bad scheme", webrtc.ICEServer{URLs: []string{"http://stun.example.net"}}},
		{"turn without credentials", webrtc.ICEServer{URLs: []string{"turn:turn.example.net:3478"}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := parseICEServers([]webrtc.ICEServer{test.server}); !errors.Is(err, ErrConfiguration) {
				t.Errorf("parseICEServers() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestICEStartNeedsRemoteParameters(t *testing.T) {
	stage, err := NewICETransport(ICEConfig{IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewICETransport() error: %v", err)
	}
	t.Cleanup(func() { stage.Stop() })
	if err := stage.Start(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Start() error = %v, want ErrConfiguration", err)
	}
	if err := stage.SetRemoteParameters(ICEParameters{}, true); !errors.Is(err, ErrConfiguration) {
		t.Errorf("SetRemoteParameters(empty) error = %v, want ErrConfiguration", err)
	}
}

func TestICELoopbackRoundTrip(t *testing.T) {
	controlling, err := NewICETransport(ICEConfig{IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewICETransport() error: %v", err)
	}
	controlled, err := NewICETransport(ICEConfig{IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewICETransport() error: %v", err)
	}

	ctx := context.Background()
	paramsA, err := controlling.LocalParameters(ctx)
	if err != nil {
		t.Fatalf("LocalParameters() error: %v", err)
	}
	paramsB, err := controlled.LocalParameters(ctx)
	if err != nil {
		t.Fatalf("LocalParameters() error: %v", err)
	}
	if len(paramsA.Candidates) == 0 || len(paramsB.Candidates) == 0 {
		controlling.Stop()
		controlled.Stop()
		t.Skip("no usable UDP4 interfaces for host candidates")
	}
	if err := controlling.SetRemoteParameters(paramsB, true); err != nil {
		t.Fatalf("SetRemoteParameters() error: %v", err)
	}
	if err := controlled.SetRemoteParameters(paramsA, false); err != nil {
		t.Fatalf("SetRemoteParameters() error: %v", err)
	}

	messagesA, _ := bindMessages(t, controlling)
	messagesB, _ := bindMessages(t, controlled)
	startPair(t, controlling, controlled)
	testutil.Eventually(t, waitTimeout, func() bool {
		return controlling.State().Established() && controlled.State().Established()
	}, "ice pair connected")

	if !controlling.Send(StringMessage("over ice")) {
		t.Fatal("Send refused")
	}
	if got := testutil.RequireReceive(t, messagesB, waitTimeout, "controlled receive"); got.String() != "over ice" {
		t.Errorf("received %q, want %q", got.String(), "over ice")
	}
	if !controlled.Send(StringMessage("back")) {
		t.Fatal("Send refused")
	}
	if got := testutil.RequireReceive(t, messagesA, waitTimeout, "controlling receive"); got.String() != "back" {
		t.Errorf("received %q, want %q", got.String(), "back")
	}
}
