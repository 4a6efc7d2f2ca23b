// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/queue"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// MemoryConfig shapes the simulated path between a memory pair.
type MemoryConfig struct {
	// LossRate is the probability, in [0, 1], that a sent message is
	// silently dropped.
	LossRate float64

	// Seed makes the loss pattern reproducible.
	Seed uint64

	// Latency delays every delivery. Order is preserved.
	Latency time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// memoryLink is the path shared by both ends of a pair.
type memoryLink struct {
	mu     sync.Mutex
	random *rand.Rand
	loss   float64
	broken bool
	// started counts ends that have called Start.
	started int
	sent    uint64
	lost    uint64
}

// drop decides whether the next message is lost.
func (l *memoryLink) drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent++
	if l.loss > 0 && l.random.Float64() < l.loss {
		l.lost++
		return true
	}
	return false
}

// MemoryTransport is one end of an in-process datagram path and the
// reference lower stage. Send hands the message to the other end's
// dispatcher; once the other end stops, messages are lost like
// datagrams sent to a closed port.
type MemoryTransport struct {
	*stage

	config MemoryConfig
	link   *memoryLink
	peer   *MemoryTransport

	// delayed holds messages in flight when Latency is set.
	delayed  *queue.Queue[delayedMessage]
	pumpDone chan struct{}
}

type delayedMessage struct {
	message Message
	due     time.Time
}

// NewMemoryPair returns two connected ends.
func NewMemoryPair(config MemoryConfig) (*MemoryTransport, *MemoryTransport) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	link := &memoryLink{
		random: rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		loss:   config.LossRate,
	}
	first := newMemoryEnd("memory-a", config, link)
	second := newMemoryEnd("memory-b", config, link)
	first.peer, second.peer = second, first
	return first, second
}

func newMemoryEnd(name string, config MemoryConfig, link *memoryLink) *MemoryTransport {
	return &MemoryTransport{
		stage:    newStage(name, config.Logger),
		config:   config,
		link:     link,
		delayed:  queue.NewWithClock[delayedMessage](0, config.Clock),
		pumpDone: make(chan struct{}),
	}
}

// Start opens this end. Both ends report StateConnected once both
// have started, so neither sends into a path nobody reads.
func (t *MemoryTransport) Start() error {
	first, err := t.begin()
	if err != nil || !first {
		return err
	}
	if t.config.Latency > 0 {
		go t.pump()
	} else {
		close(t.pumpDone)
	}
	t.transition(StateConnecting, nil)

	t.link.mu.Lock()
	t.link.started++
	broken, ready := t.link.broken, t.link.started == 2
	t.link.mu.Unlock()
	switch {
	case broken:
		t.transition(StateFailed, ErrLowerTransportLost)
	case ready:
		t.transition(StateConnected, nil)
		t.peer.transition(StateConnected, nil)
	}
	return nil
}

// Stop disconnects this end. The other end is unaffected and keeps
// losing whatever it sends.
func (t *MemoryTransport) Stop() error {
	if !t.end() {
		return nil
	}
	t.delayed.Close()
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.pumpDone
	}
	t.shutdown()
	t.finish()
	return nil
}

// Send passes message to the other end, subject to simulated loss.
func (t *MemoryTransport) Send(message Message) bool {
	if !t.State().Established() {
		return false
	}
	if t.link.drop() {
		return true
	}
	if t.config.Latency > 0 {
		t.peer.delayed.Push(delayedMessage{
			message: message,
			due:     t.config.Clock.Now().Add(t.config.Latency),
		})
		return true
	}
	t.peer.receive(message)
	return true
}

// receive delivers one message from the other end.
func (t *MemoryTransport) receive(message Message) {
	if !t.State().Established() {
		return
	}
	t.deliver(message)
}

// pump releases delayed messages in order once they are due.
func (t *MemoryTransport) pump() {
	defer close(t.pumpDone)
	for {
		next, err := t.delayed.Pop(0)
		if err != nil {
			return
		}
		if wait := next.due.Sub(t.config.Clock.Now()); wait > 0 {
			<-t.config.Clock.After(wait)
		}
		t.receive(next.message)
	}
}

// Break simulates losing the path: both ends fail with
// ErrLowerTransportLost and further sends are refused.
func (t *MemoryTransport) Break() {
	t.link.mu.Lock()
	t.link.broken = true
	t.link.mu.Unlock()
	t.transition(StateFailed, ErrLowerTransportLost)
	t.peer.transition(StateFailed, ErrLowerTransportLost)
}

// Counts returns how many messages both ends sent and how many of them
// the simulated loss dropped.
func (t *MemoryTransport) Counts() (sent, lost uint64) {
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	return t.link.sent, t.link.lost
}
