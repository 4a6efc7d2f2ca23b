// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"sync"

	"github.com/bureau-foundation/peerlink/lib/clock"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Two pipelines sharing one
// MemorySignaler can exchange descriptions without any network
// signaling.
type MemorySignaler struct {
	clock clock.Clock

	mu       sync.Mutex
	offers   map[string]Envelope // key: "offerer|target"
	answers  map[string]Envelope // key: "offerer|target"
	lastSeen seenFilter
}

// NewMemorySignaler creates an empty signaler. Republishing under a
// key is only visible to pollers if c has moved on.
func NewMemorySignaler(c clock.Clock) *MemorySignaler {
	if c == nil {
		c = clock.Real()
	}
	return &MemorySignaler{
		clock:    c,
		offers:   make(map[string]Envelope),
		answers:  make(map[string]Envelope),
		lastSeen: make(seenFilter),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	if err := validatePair(local, target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(local, target)] = Envelope{
		Peer:      local,
		SDP:       sdp,
		Timestamp: s.clock.Now().UTC(),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	if err := validatePair(offerer, local); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, local)] = Envelope{
		Peer:      local,
		SDP:       sdp,
		Timestamp: s.clock.Now().UTC(),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local string) ([]Envelope, error) {
	return s.poll(local, s.offers, "offers", false)
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local string) ([]Envelope, error) {
	return s.poll(local, s.answers, "answers", true)
}

// poll returns the unseen envelopes in store addressed to local. For
// answers local is the offerer half of the key; for offers it is the
// target half.
func (s *MemorySignaler) poll(local string, store map[string]Envelope, label string, asOfferer bool) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var envelopes []Envelope
	for key, envelope := range store {
		offerer, target, ok := splitKey(key)
		if !ok {
			continue
		}
		if (asOfferer && offerer != local) || (!asOfferer && target != local) {
			continue
		}
		if !s.lastSeen.fresh(label+":"+key, envelope.Timestamp) {
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func validatePair(offerer, target string) error {
	if err := ValidatePeer(offerer); err != nil {
		return err
	}
	return ValidatePeer(target)
}
