package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/attestation-gate/replay"
)

// minReplayTTL keeps a nonce recorded even when its window has all but
// closed; redis treats a zero expiration as "never expire".
const minReplayTTL = time.Second

// ReplayGuardConfig holds configuration for the Redis replay guard.
type ReplayGuardConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:nonce:").
	KeyPrefix string

	// SkewTolerance extends each entry beyond its token expiry (default: 60s).
	SkewTolerance time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// ReplayGuard is a Redis-backed replay.Guard. SETNX makes the check-and-record
// atomic across every instance sharing the Redis deployment.
type ReplayGuard struct {
	client    Cmdable
	keyPrefix string
	skew      time.Duration
	now       func() time.Time
}

var _ replay.Guard = (*ReplayGuard)(nil)

// NewReplayGuard creates a Redis-backed replay guard.
func NewReplayGuard(cfg ReplayGuardConfig) (*ReplayGuard, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:nonce:"
	}

	skew := cfg.SkewTolerance
	if skew == 0 {
		skew = 60 * time.Second
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &ReplayGuard{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		skew:      skew,
		now:       now,
	}, nil
}

// Consume records nonce until expiresAt plus the skew tolerance. The Redis
// TTL is the remaining window, so eviction never precedes token expiry.
func (g *ReplayGuard) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if err := replay.ValidateNonce(nonce); err != nil {
		return false, err
	}

	ttl := expiresAt.Add(g.skew).Sub(g.now())
	if ttl < minReplayTTL {
		ttl = minReplayTTL
	}

	ok, err := g.client.SetNX(ctx, g.keyPrefix+nonce, expiresAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	return ok, nil
}

// Close is a no-op for Redis store (connection is managed externally).
func (g *ReplayGuard) Close() error {
	return nil
}
