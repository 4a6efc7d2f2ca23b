// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/codec"
	"github.com/bureau-foundation/peerlink/lib/logging"
)

// Compile-time interface check.
var _ Signaler = (*DirectorySignaler)(nil)

const (
	offersDirectory  = "offers"
	answersDirectory = "answers"
	signalFileMode   = 0o600
)

// signalRecord is the CBOR body of one signal file.
type signalRecord struct {
	SDP string `cbor:"1,keyasint"`

	// Published is the publish time in Unix nanoseconds.
	Published int64 `cbor:"2,keyasint"`
}

// decodeRecord decodes a stored signal. Unreadable records are logged,
// with their CBOR diagnostic notation at debug level, and skipped.
func decodeRecord(logger *slog.Logger, key string, data []byte) (signalRecord, bool) {
	var record signalRecord
	err := codec.Unmarshal(data, &record)
	if err == nil && record.SDP != "" {
		return record, true
	}
	logger.Warn("ignoring unreadable signal", "key", key, "error", err)
	if notation, diagErr := codec.Diagnose(data); diagErr == nil {
		logger.Debug("unreadable signal contents", "key", key, "cbor", notation)
	}
	return signalRecord{}, false
}

// DirectorySignaler exchanges signals as files under a shared
// directory: offers/<offerer>|<target> and answers/<offerer>|<target>,
// each a CBOR record. Files are replaced atomically by rename, so a
// poller never reads a partial write.
type DirectorySignaler struct {
	root   string
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen seenFilter
}

// NewDirectorySignaler uses root, creating it and its subdirectories
// if needed.
func NewDirectorySignaler(root string, c clock.Clock, logger *slog.Logger) (*DirectorySignaler, error) {
	if c == nil {
		c = clock.Real()
	}
	for _, name := range []string{offersDirectory, answersDirectory} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o700); err != nil {
			return nil, fmt.Errorf("creating signal directory: %w", err)
		}
	}
	return &DirectorySignaler{
		root:     root,
		clock:    c,
		logger:   logging.OrDiscard(logger).With("signaler", root),
		lastSeen: make(seenFilter),
	}, nil
}

func (s *DirectorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	if err := validatePair(local, target); err != nil {
		return err
	}
	return s.write(offersDirectory, signalKey(local, target), sdp)
}

func (s *DirectorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	if err := validatePair(offerer, local); err != nil {
		return err
	}
	return s.write(answersDirectory, signalKey(offerer, local), sdp)
}

func (s *DirectorySignaler) PollOffers(ctx context.Context, local string) ([]Envelope, error) {
	return s.poll(ctx, offersDirectory, local, false)
}

func (s *DirectorySignaler) PollAnswers(ctx context.Context, local string) ([]Envelope, error) {
	return s.poll(ctx, answersDirectory, local, true)
}

func (s *DirectorySignaler) write(directory, key, sdp string) error {
	body, err := codec.Marshal(signalRecord{SDP: sdp, Published: s.clock.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("encoding signal %s: %w", key, err)
	}
	target := filepath.Join(s.root, directory, key)
	temporary, err := os.CreateTemp(filepath.Join(s.root, directory), ".pending-*")
	if err != nil {
		return fmt.Errorf("writing signal %s: %w", key, err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(body); err != nil {
		temporary.Close()
		return fmt.Errorf("writing signal %s: %w", key, err)
	}
	if err := temporary.Chmod(signalFileMode); err != nil {
		temporary.Close()
		return fmt.Errorf("writing signal %s: %w", key, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("writing signal %s: %w", key, err)
	}
	if err := os.Rename(temporary.Name(), target); err != nil {
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	return nil
}

func (s *DirectorySignaler) poll(ctx context.Context, directory, local string, asOfferer bool) ([]Envelope, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, directory))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", directory, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var envelopes []Envelope
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		key := entry.Name()
		offerer, target, ok := splitKey(key)
		if !ok {
			continue
		}
		if (asOfferer && offerer != local) || (!asOfferer && target != local) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, directory, key))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading signal %s: %w", key, err)
		}
		record, ok := decodeRecord(s.logger, key, data)
		if !ok {
			continue
		}
		published := time.Unix(0, record.Published).UTC()
		if !s.lastSeen.fresh(directory+":"+key, published) {
			continue
		}

		peer := offerer
		if asOfferer {
			peer = target
		}
		envelopes = append(envelopes, Envelope{Peer: peer, SDP: record.SDP, Timestamp: published})
	}
	return envelopes, nil
}
