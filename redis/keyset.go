package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kacy/attestation-gate/keyset"
)

// KeySetCacheConfig holds configuration for the Redis key set snapshot.
type KeySetCacheConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// Key is the Redis key holding the snapshot (default: "attest:keyset").
	Key string

	// TTL bounds how long a snapshot is trusted (default: 0 = no expiration).
	TTL time.Duration
}

// KeySetCache stores the last-known-good key set in Redis so a freshly
// started verifier can serve it while the provider is unreachable.
// It implements keyset.Snapshotter.
type KeySetCache struct {
	client Cmdable
	key    string
	ttl    time.Duration
}

var _ keyset.Snapshotter = (*KeySetCache)(nil)

// keySetSnapshot is the CBOR-serialized snapshot. Each entry is one JWK
// including its nbf/exp bounds.
type keySetSnapshot struct {
	FetchedAt int64    `cbor:"1,keyasint"`
	Keys      [][]byte `cbor:"2,keyasint"`
}

// ErrNoSnapshot is returned by Load when nothing has been saved.
var ErrNoSnapshot = errors.New("no key set snapshot")

// NewKeySetCache creates a Redis-backed key set snapshot.
func NewKeySetCache(cfg KeySetCacheConfig) (*KeySetCache, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	key := cfg.Key
	if key == "" {
		key = "attest:keyset"
	}

	return &KeySetCache{
		client: cfg.Client,
		key:    key,
		ttl:    cfg.TTL,
	}, nil
}

// Save overwrites the snapshot with set.
func (c *KeySetCache) Save(ctx context.Context, set *keyset.Set) error {
	snap := keySetSnapshot{FetchedAt: set.FetchedAt().Unix()}
	for _, k := range set.Keys() {
		raw, err := keyset.EncodeJWK(k)
		if err != nil {
			return err
		}
		snap.Keys = append(snap.Keys, raw)
	}

	data, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal key set snapshot: %w", err)
	}

	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store key set snapshot: %w", err)
	}
	return nil
}

// Load returns the saved snapshot.
func (c *KeySetCache) Load(ctx context.Context) (*keyset.Set, error) {
	data, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if isNil(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to load key set snapshot: %w", err)
	}

	var snap keySetSnapshot
	if err := cbor.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key set snapshot: %w", err)
	}

	keys := make([]keyset.Key, 0, len(snap.Keys))
	for i, raw := range snap.Keys {
		k, ok, err := keyset.DecodeJWK(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot key %d: %w", i, err)
		}
		if ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoSnapshot
	}

	return keyset.NewSet(keys, time.Unix(snap.FetchedAt, 0)), nil
}
