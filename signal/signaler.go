// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
)

// keySeparator separates the offerer and target peer IDs in a signal
// key. Peer IDs may not contain it.
const keySeparator = "|"

// DefaultPollInterval is how often AwaitOffer and AwaitAnswer poll.
const DefaultPollInterval = 250 * time.Millisecond

// ErrInvalidPeer is returned for a peer ID that cannot form a signal
// key.
var ErrInvalidPeer = errors.New("invalid peer id")

// Signaler exchanges session descriptions between peers.
type Signaler interface {
	// PublishOffer publishes an SDP offer from local to target under
	// the key "local|target", replacing any earlier offer.
	PublishOffer(ctx context.Context, local, target, sdp string) error

	// PublishAnswer publishes an SDP answer to offerer's offer under
	// the key "offerer|local".
	PublishAnswer(ctx context.Context, offerer, local, sdp string) error

	// PollOffers returns offers directed at local that are newer than
	// the last ones this signaler returned.
	PollOffers(ctx context.Context, local string) ([]Envelope, error)

	// PollAnswers returns answers to offers local originated that are
	// newer than the last ones this signaler returned.
	PollAnswers(ctx context.Context, local string) ([]Envelope, error)
}

// Envelope is one offer or answer as seen by its recipient.
type Envelope struct {
	// Peer is the other party: the offerer for a received offer, the
	// answerer for a received answer.
	Peer string

	// SDP is the complete session description.
	SDP string

	// Timestamp is when the signal was published.
	Timestamp time.Time
}

// ValidatePeer checks that id can appear in a signal key.
func ValidatePeer(id string) error {
	if id == "" || strings.ContainsAny(id, keySeparator+"/\\") || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidPeer, id)
	}
	return nil
}

func signalKey(offerer, target string) string {
	return offerer + keySeparator + target
}

func splitKey(key string) (offerer, target string, ok bool) {
	offerer, target, ok = strings.Cut(key, keySeparator)
	return offerer, target, ok && offerer != "" && target != ""
}

// Offer publishes d as an offer from local to target.
func Offer(ctx context.Context, signaler Signaler, local, target string, d Description) error {
	text, err := d.Marshal()
	if err != nil {
		return err
	}
	return signaler.PublishOffer(ctx, local, target, text)
}

// Answer publishes d as local's answer to offerer.
func Answer(ctx context.Context, signaler Signaler, offerer, local string, d Description) error {
	text, err := d.Marshal()
	if err != nil {
		return err
	}
	return signaler.PublishAnswer(ctx, offerer, local, text)
}

// AwaitOffer polls until an offer for local arrives and returns the
// offerer with its parsed description. Offers that fail to parse are
// skipped.
func AwaitOffer(ctx context.Context, signaler Signaler, c clock.Clock, local string, interval time.Duration) (string, Description, error) {
	for {
		envelopes, err := signaler.PollOffers(ctx, local)
		if err != nil {
			return "", Description{}, err
		}
		for _, envelope := range envelopes {
			description, err := Parse(envelope.SDP)
			if err != nil {
				continue
			}
			return envelope.Peer, description, nil
		}
		if err := wait(ctx, c, interval); err != nil {
			return "", Description{}, fmt.Errorf("waiting for offer to %s: %w", local, err)
		}
	}
}

// AwaitAnswer polls until target answers local's offer.
func AwaitAnswer(ctx context.Context, signaler Signaler, c clock.Clock, local, target string, interval time.Duration) (Description, error) {
	for {
		envelopes, err := signaler.PollAnswers(ctx, local)
		if err != nil {
			return Description{}, err
		}
		for _, envelope := range envelopes {
			if envelope.Peer != target {
				continue
			}
			description, err := Parse(envelope.SDP)
			if err != nil {
				return Description{}, fmt.Errorf("answer from %s: %w", target, err)
			}
			return description, nil
		}
		if err := wait(ctx, c, interval); err != nil {
			return Description{}, fmt.Errorf("waiting for answer from %s: %w", target, err)
		}
	}
}

func wait(ctx context.Context, c clock.Clock, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(interval):
		return nil
	}
}

// seenFilter remembers the newest timestamp returned per consumer and
// key.
type seenFilter map[string]time.Time

// fresh reports whether timestamp is newer than the last one seen
// under seenKey, and records it.
func (f seenFilter) fresh(seenKey string, timestamp time.Time) bool {
	if last, ok := f[seenKey]; ok && !timestamp.After(last) {
		return false
	}
	f[seenKey] = timestamp
	return true
}
