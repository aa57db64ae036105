package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/attestation-gate/challenge"
)

// ChallengeStoreConfig holds configuration for the Redis challenge store.
type ChallengeStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:challenge:").
	KeyPrefix string

	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	ChallengeBytes int
}

// ChallengeStore is a Redis-backed implementation of challenge.Store.
type ChallengeStore struct {
	client         Cmdable
	keyPrefix      string
	timeout        time.Duration
	challengeBytes int
}

var _ challenge.Store = (*ChallengeStore)(nil)

// NewChallengeStore creates a new Redis-backed challenge store.
func NewChallengeStore(cfg ChallengeStoreConfig) (*ChallengeStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:challenge:"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	return &ChallengeStore{
		client:         cfg.Client,
		keyPrefix:      keyPrefix,
		timeout:        timeout,
		challengeBytes: challengeBytes,
	}, nil
}

// Generate creates a new challenge for the given app instance.
func (s *ChallengeStore) Generate(ctx context.Context, instance string) (string, error) {
	c, err := challenge.New(s.challengeBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Overwrites any outstanding challenge for the instance.
	if err := s.client.Set(ctx, s.keyPrefix+instance, c, s.timeout).Err(); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}

	return c, nil
}

// Validate consumes the challenge. Only the caller whose DEL removes the key
// wins, so concurrent exchanges of one challenge cannot both succeed.
func (s *ChallengeStore) Validate(ctx context.Context, instance, c string) (bool, error) {
	redisKey := s.keyPrefix + instance

	stored, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load challenge: %w", err)
	}

	if !challenge.Equal(stored, c) {
		return false, nil
	}

	n, err := s.client.Del(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return n == 1, nil
}

// Close is a no-op for Redis store (connection is managed externally).
func (s *ChallengeStore) Close() {
	// No-op: Redis client lifecycle is managed by the caller
}
