// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/testutil"
	"github.com/bureau-foundation/peerlink/transport/engine/curve"
)

func TestMessageConnPreservesBoundaries(t *testing.T) {
	a, b := NewMemoryPair(MemoryConfig{})
	bindMessages(t, a)
	conn, err := NewMessageConn(b, 16)
	if err != nil {
		t.Fatalf("NewMessageConn() error: %v", err)
	}
	startPair(t, a, b)
	testutil.Eventually(t, waitTimeout, func() bool { return a.State() == StateConnected }, "pair connected")

	a.Send(StringMessage("first"))
	a.Send(StringMessage("second message"))

	buffer := make([]byte, 64)
	for _, want := range []string{"first", "second message"} {
		n, err := conn.Read(buffer)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		if string(buffer[:n]) != want {
			t.Errorf("Read() = %q, want %q", buffer[:n], want)
		}
	}

	a.Send(StringMessage("too long for the buffer"))
	if n, err := conn.Read(buffer[:4]); !errors.Is(err, io.ErrShortBuffer) || n != 4 {
		t.Errorf("short Read() = %d, %v; want 4, io.ErrShortBuffer", n, err)
	}
}

func TestMessageConnDeadlineAndClose(t *testing.T) {
	a, b := NewMemoryPair(MemoryConfig{})
	bindMessages(t, a)
	conn, err := NewMessageConn(b, 0)
	if err != nil {
		t.Fatalf("NewMessageConn() error: %v", err)
	}
	if _, err := NewMessageConn(b, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("second NewMessageConn() error = %v, want ErrConfiguration", err)
	}

	conn.SetReadDeadline(time.Now().Add(-time.Second)) //nolint:realclock net.Conn deadlines are wall-clock
	if _, err := conn.Read(make([]byte, 8)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Read() past deadline error = %v, want os.ErrDeadlineExceeded", err)
	}
	conn.SetReadDeadline(time.Time{})

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 8))
		readErr <- err
	}()
	conn.Close()
	if err := testutil.RequireReceive(t, readErr, waitTimeout, "blocked Read"); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after Close error = %v, want io.EOF", err)
	}
	if _, err := conn.Write([]byte("late")); err == nil {
		t.Error("Write after Close succeeded")
	}
}

// newAssociationPair connects a secure pair over a memory path and runs
// the SCTP handshake on both sides.
func newAssociationPair(t *testing.T) (client, server *Association) {
	t.Helper()
	pair := newSecurePair(t, pairOptions{backend: curve.Backend{}, datagram: true, unbound: true})

	connA, err := NewMessageConn(pair.a, 0)
	if err != nil {
		t.Fatalf("NewMessageConn() error: %v", err)
	}
	connB, err := NewMessageConn(pair.b, 0)
	if err != nil {
		t.Fatalf("NewMessageConn() error: %v", err)
	}
	pair.start(t)
	testutil.Eventually(t, waitTimeout, func() bool {
		return pair.a.State() == StateConnected && pair.b.State() == StateConnected
	}, "secure pair connected")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	type result struct {
		association *Association
		err         error
	}
	serverResult := make(chan result, 1)
	go func() {
		association, err := NewAssociation(ctx, connB, pair.b.Role(), nil)
		serverResult <- result{association, err}
	}()
	client, err = NewAssociation(ctx, connA, pair.a.Role(), nil)
	if err != nil {
		t.Fatalf("client NewAssociation() error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	outcome := testutil.RequireReceive(t, serverResult, waitTimeout, "server association")
	if outcome.err != nil {
		t.Fatalf("server NewAssociation() error: %v", outcome.err)
	}
	t.Cleanup(func() { outcome.association.Close() })
	return client, outcome.association
}

func TestDataChannelOverSecureTransport(t *testing.T) {
	client, server := newAssociationPair(t)

	accepted := make(chan *DataChannelConn, 1)
	go func() {
		conn, err := server.Accept()
		if err != nil {
			t.Errorf("Accept() error: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	opened, err := client.Open(DataChannelConfig{Label: "chat", Protocol: "text"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer opened.Close()
	if err := opened.SendMessage(StringMessage("hello")); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if err := opened.SendMessage(NewMessage(KindBinary, []byte{0, 1, 2})); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	remote := testutil.RequireReceive(t, accepted, waitTimeout, "accepted channel")
	if remote == nil {
		t.Fatal("Accept failed")
	}
	defer remote.Close()
	if remote.Label() != "chat" {
		t.Errorf("accepted label = %q, want chat", remote.Label())
	}

	first, err := remote.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	if first.Kind() != KindString || first.String() != "hello" {
		t.Errorf("first message = %s %q, want string hello", first.Kind(), first.String())
	}
	second, err := remote.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	if second.Kind() != KindBinary || second.Len() != 3 {
		t.Errorf("second message = %s len %d, want binary len 3", second.Kind(), second.Len())
	}

	// Replies flow back over the same stream.
	if _, err := remote.Write([]byte("ack")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	buffer := make([]byte, 16)
	n, err := opened.Read(buffer)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(buffer[:n]) != "ack" {
		t.Errorf("reply = %q, want ack", buffer[:n])
	}
}

func TestAssociationNeedsResolvedRole(t *testing.T) {
	a, _ := NewMemoryPair(MemoryConfig{})
	conn, err := NewMessageConn(a, 0)
	if err != nil {
		t.Fatalf("NewMessageConn() error: %v", err)
	}
	if _, err := NewAssociation(context.Background(), conn, RoleAuto, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewAssociation(RoleAuto) error = %v, want ErrConfiguration", err)
	}
}
