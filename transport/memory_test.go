// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/peerlink/lib/testutil"
)

// bindMessages binds a stage and returns its message and state channels.
func bindMessages(t *testing.T, stage Transport) (chan Message, chan StateChange) {
	t.Helper()
	messages := make(chan Message, 1024)
	states := make(chan StateChange, 64)
	err := stage.Bind(Callbacks{
		OnMessage:     func(message Message) { messages <- message },
		OnStateChange: func(change StateChange) { states <- change },
	})
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	return messages, states
}

func startPair(t *testing.T, a, b Transport) {
	t.Helper()
	for _, stage := range []Transport{a, b} {
		if err := stage.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		t.Cleanup(func() { stage.Stop() })
	}
}

func TestMemoryPairConnectsWhenBothStart(t *testing.T) {
	a, b := NewMemoryPair(MemoryConfig{})
	_, states := bindMessages(t, a)
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	if a.State() != StateConnecting {
		t.Fatalf("state with peer stopped = %s, want connecting", a.State())
	}
	if a.Send(StringMessage("early")) {
		t.Error("Send accepted before the path connected")
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	testutil.RequireReceive(t, states, 5*time.Second, "connecting")
	if change := testutil.RequireReceive(t, states, 5*time.Second, "connected"); change.Current != StateConnected {
		t.Fatalf("state = %s, want connected", change.Current)
	}
}

func TestMemoryPairPreservesOrder(t *testing.T) {
	for _, latency := range []time.Duration{0, 5 * time.Millisecond} {
		t.Run(fmt.Sprintf("latency=%v", latency), func(t *testing.T) {
			a, b := NewMemoryPair(MemoryConfig{Latency: latency})
			bindMessages(t, a)
			messages, _ := bindMessages(t, b)
			startPair(t, a, b)

			for i := 0; i < 100; i++ {
				if !a.Send(StringMessage(fmt.Sprint(i))) {
					t.Fatalf("Send(%d) rejected", i)
				}
			}
			for i := 0; i < 100; i++ {
				message := testutil.RequireReceive(t, messages, 5*time.Second, "message %d", i)
				if message.String() != fmt.Sprint(i) {
					t.Fatalf("message %d = %q", i, message.String())
				}
			}
		})
	}
}

func TestMemoryPairLossIsSeeded(t *testing.T) {
	run := func() uint64 {
		a, b := NewMemoryPair(MemoryConfig{LossRate: 0.25, Seed: 42})
		bindMessages(t, b)
		startPair(t, a, b)
		for i := 0; i < 400; i++ {
			a.Send(StringMessage("x"))
		}
		sent, lost := a.Counts()
		if sent != 400 {
			t.Fatalf("sent = %d, want 400", sent)
		}
		return lost
	}
	first, second := run(), run()
	if first != second {
		t.Errorf("same seed lost %d then %d messages", first, second)
	}
	if first < 60 || first > 140 {
		t.Errorf("lost %d of 400 at 25%% loss", first)
	}
}

func TestMemoryPairBreak(t *testing.T) {
	a, b := NewMemoryPair(MemoryConfig{})
	_, statesA := bindMessages(t, a)
	_, statesB := bindMessages(t, b)
	startPair(t, a, b)

	a.Break()
	for name, states := range map[string]chan StateChange{"a": statesA, "b": statesB} {
		for {
			change := testutil.RequireReceive(t, states, 5*time.Second, "%s failure", name)
			if change.Current == StateFailed {
				if !errors.Is(change.Err, ErrLowerTransportLost) {
					t.Errorf("%s failure = %v", name, change.Err)
				}
				break
			}
		}
	}
	if a.Send(StringMessage("x")) {
		t.Error("Send accepted on a broken path")
	}
}

func TestMemoryStopIsFinal(t *testing.T) {
	a, b := NewMemoryPair(MemoryConfig{})
	_, states := bindMessages(t, a)
	startPair(t, a, b)
	a.Stop()
	a.Stop()

	var seen []State
	for len(seen) < 4 {
		seen = append(seen, testutil.RequireReceive(t, states, 5*time.Second, "state %d", len(seen)).Current)
	}
	want := []State{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
	testutil.RequireNoReceive(t, states, 50*time.Millisecond, "state after second Stop")
	if err := a.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}
