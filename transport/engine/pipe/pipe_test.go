// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/testutil"
)

func TestStreamReadKeepsRemainder(t *testing.T) {
	conn := New(clock.Real(), nil, "local", "remote")
	conn.Deliver([]byte("abcdef"))

	buffer := make([]byte, 4)
	n, err := conn.Read(buffer)
	if err != nil || string(buffer[:n]) != "abcd" {
		t.Fatalf("first Read = %q, %v; want abcd", buffer[:n], err)
	}
	n, err = conn.Read(buffer)
	if err != nil || string(buffer[:n]) != "ef" {
		t.Fatalf("second Read = %q, %v; want ef", buffer[:n], err)
	}
}

func TestPacketReadOneDatagram(t *testing.T) {
	conn := New(clock.Real(), nil, "local", "remote")
	conn.Deliver([]byte("first"))
	conn.Deliver([]byte("second"))

	buffer := make([]byte, 64)
	n, addr, err := conn.ReadFrom(buffer)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	if string(buffer[:n]) != "first" {
		t.Errorf("ReadFrom() = %q, want first", buffer[:n])
	}
	if addr.String() != "remote" || addr.Network() != "pipe" {
		t.Errorf("ReadFrom() addr = %s/%s", addr.Network(), addr)
	}
}

func TestWriteNotifiesAndDrains(t *testing.T) {
	var notified atomic.Int32
	conn := New(clock.Real(), func() { notified.Add(1) }, "local", "remote")

	source := []byte("flight")
	if _, err := conn.WriteTo(source, nil); err != nil {
		t.Fatalf("WriteTo() error: %v", err)
	}
	source[0] = 'X'

	if notified.Load() != 1 {
		t.Errorf("notify called %d times, want 1", notified.Load())
	}
	record, ok := conn.Drain()
	if !ok || string(record) != "flight" {
		t.Fatalf("Drain() = %q, %v; want flight (copied)", record, ok)
	}
	if _, ok := conn.Drain(); ok {
		t.Fatal("Drain() returned a second record")
	}
}

func TestCloseUnblocksReader(t *testing.T) {
	conn := New(clock.Real(), nil, "local", "remote")
	result := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 8))
		result <- err
	}()

	conn.Close()
	err := testutil.RequireReceive(t, result, 5*time.Second, "reader to unblock")
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Read() after Close error = %v, want net.ErrClosed", err)
	}
	if _, err := conn.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Write() after Close error = %v, want net.ErrClosed", err)
	}
	if conn.Deliver([]byte("x")) {
		t.Fatal("Deliver() after Close accepted a record")
	}
}

func TestReadDeadline(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	conn := New(fake, nil, "local", "remote")

	conn.SetReadDeadline(fake.Now())
	if _, err := conn.Read(make([]byte, 8)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read() past deadline error = %v, want os.ErrDeadlineExceeded", err)
	}

	conn.SetReadDeadline(fake.Now().Add(time.Second))
	result := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 8))
		result <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	err := testutil.RequireReceive(t, result, 5*time.Second, "deadline to fire")
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("ReadFrom() error = %v, want os.ErrDeadlineExceeded", err)
	}
}
