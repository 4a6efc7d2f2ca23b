// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bureau-foundation/peerlink/lib/clock"
	"github.com/bureau-foundation/peerlink/lib/codec"
	"github.com/bureau-foundation/peerlink/lib/logging"
)

// Compile-time interface check.
var _ Signaler = (*RedisSignaler)(nil)

const (
	// DefaultRedisPrefix namespaces signal keys in a shared Redis.
	DefaultRedisPrefix = "peerlink"

	// DefaultSignalTTL is how long a published signal stays in Redis.
	DefaultSignalTTL = 10 * time.Minute

	redisScanCount = 128
)

// RedisConfig configures a RedisSignaler.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, e.g.
	// "redis://:password@localhost:6379/0".
	URL string

	// Prefix namespaces keys. Empty means DefaultRedisPrefix.
	Prefix string

	// TTL expires published signals. Zero means DefaultSignalTTL.
	TTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// RedisSignaler exchanges signals through a Redis server, for peers on
// different hosts. Offers live at "<prefix>:offer:<offerer>|<target>"
// and answers at "<prefix>:answer:<offerer>|<target>", each a CBOR
// record with a TTL.
type RedisSignaler struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen seenFilter
}

// NewRedisSignaler connects to config.URL and checks the server
// answers.
func NewRedisSignaler(ctx context.Context, config RedisConfig) (*RedisSignaler, error) {
	options, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRedisPrefix
	}
	if config.TTL <= 0 {
		config.TTL = DefaultSignalTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", options.Addr, err)
	}
	return &RedisSignaler{
		client:   client,
		prefix:   config.Prefix,
		ttl:      config.TTL,
		clock:    config.Clock,
		logger:   logging.OrDiscard(config.Logger).With("signaler", "redis", "address", options.Addr),
		lastSeen: make(seenFilter),
	}, nil
}

// Close closes the Redis connection pool.
func (s *RedisSignaler) Close() error {
	return s.client.Close()
}

func (s *RedisSignaler) PublishOffer(ctx context.Context, local, target, sdp string) error {
	if err := validatePair(local, target); err != nil {
		return err
	}
	return s.write(ctx, "offer", signalKey(local, target), sdp)
}

func (s *RedisSignaler) PublishAnswer(ctx context.Context, offerer, local, sdp string) error {
	if err := validatePair(offerer, local); err != nil {
		return err
	}
	return s.write(ctx, "answer", signalKey(offerer, local), sdp)
}

func (s *RedisSignaler) PollOffers(ctx context.Context, local string) ([]Envelope, error) {
	return s.poll(ctx, "offer", local, false)
}

func (s *RedisSignaler) PollAnswers(ctx context.Context, local string) ([]Envelope, error) {
	return s.poll(ctx, "answer", local, true)
}

func (s *RedisSignaler) namespace(kind string) string {
	return s.prefix + ":" + kind + ":"
}

func (s *RedisSignaler) write(ctx context.Context, kind, key, sdp string) error {
	body, err := codec.Marshal(signalRecord{SDP: sdp, Published: s.clock.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("encoding signal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.namespace(kind)+key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	return nil
}

// poll scans the namespace rather than matching peer IDs in the SCAN
// pattern, since peer IDs may contain glob characters.
func (s *RedisSignaler) poll(ctx context.Context, kind, local string, asOfferer bool) ([]Envelope, error) {
	namespace := s.namespace(kind)
	var keys []string
	iterator := s.client.Scan(ctx, 0, namespace+"*", redisScanCount).Iterator()
	for iterator.Next(ctx) {
		keys = append(keys, iterator.Val())
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("listing %s signals: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var envelopes []Envelope
	for _, fullKey := range keys {
		key := strings.TrimPrefix(fullKey, namespace)
		offerer, target, ok := splitKey(key)
		if !ok {
			continue
		}
		if (asOfferer && offerer != local) || (!asOfferer && target != local) {
			continue
		}

		data, err := s.client.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading signal %s: %w", key, err)
		}
		record, ok := decodeRecord(s.logger, fullKey, data)
		if !ok {
			continue
		}
		published := time.Unix(0, record.Published).UTC()
		if !s.lastSeen.fresh(kind+":"+key, published) {
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
