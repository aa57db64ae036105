// Package replay tracks consumed token nonces so each attestation token is
// admitted at most once.
//
// A nonce is remembered until its token expires plus the clock-skew
// tolerance. Eviction never happens earlier, so a token that could still
// pass the freshness check can never be replayed.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Guard records consumed nonces.
// Implementations must be safe for concurrent use.
type Guard interface {
	// Consume atomically checks and records nonce. It returns true when the
	// nonce was not seen before (accepted) and false on replay.
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)

	// Close stops background cleanup.
	Close() error
}

// MaxNonceLength bounds the size of a recorded nonce.
const MaxNonceLength = 512

// Errors returned by guards.
var (
	ErrInvalidNonce = errors.New("invalid nonce: must be non-empty")
	ErrNonceTooLong = errors.New("nonce too long")
	ErrClosed       = errors.New("replay guard is closed")
)

// Config holds configuration for the in-memory guard.
type Config struct {
	// SkewTolerance extends each entry beyond its token expiry (default: 60s).
	SkewTolerance time.Duration

	// CleanupInterval is how often expired entries are removed (default: 1 minute).
	CleanupInterval time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// MemoryGuard is an in-memory Guard for single-instance deployments.
// Use redis.ReplayGuard when several instances share traffic.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> evict after
	skew    time.Duration
	now     func() time.Time
	closeCh chan struct{}
	closed  bool
}

// NewMemoryGuard creates an in-memory replay guard and starts its cleanup
// loop.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	skew := cfg.SkewTolerance
	if skew == 0 {
		skew = 60 * time.Second
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	g := &MemoryGuard{
		entries: make(map[string]time.Time),
		skew:    skew,
		now:     now,
		closeCh: make(chan struct{}),
	}

	go g.cleanupLoop(cleanupInterval)

	return g
}

// Consume records nonce until expiresAt plus the skew tolerance.
func (g *MemoryGuard) Consume(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if err := ValidateNonce(nonce); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrClosed
	}

	now := g.now()
	if evictAfter, seen := g.entries[nonce]; seen && !now.After(evictAfter) {
		return false, nil
	}

	g.entries[nonce] = expiresAt.Add(g.skew)
	return true, nil
}

// Close stops the cleanup goroutine. Further Consume calls fail.
func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	close(g.closeCh)
	return nil
}

// Len returns the number of remembered nonces (for testing/monitoring).
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *MemoryGuard) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.closeCh:
			return
		}
	}
}

func (g *MemoryGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for nonce, evictAfter := range g.entries {
		if now.After(evictAfter) {
			delete(g.entries, nonce)
		}
	}
}

// ValidateNonce rejects nonces that cannot be recorded.
func ValidateNonce(nonce string) error {
	if nonce == "" {
		return ErrInvalidNonce
	}
	if len(nonce) > MaxNonceLength {
		return ErrNonceTooLong
	}
	return nil
}
