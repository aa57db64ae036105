// Package challenge issues and consumes the single-use challenges that bind
// a platform integrity verdict to one token exchange with the issuer.
//
// A client asks the issuer for a challenge, has the platform attestation SDK
// sign over it, and returns both. The challenge is consumed on the first
// successful exchange so a captured verdict cannot be exchanged twice.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

// Store manages challenges with automatic expiration.
type Store interface {
	// Generate creates a new challenge for the given app instance,
	// replacing any outstanding one.
	Generate(ctx context.Context, instance string) (string, error)

	// Validate checks the challenge and consumes it. It returns true only if
	// the challenge exists, matches, and has not expired.
	Validate(ctx context.Context, instance, challenge string) (bool, error)

	// Close stops background cleanup routines.
	Close()
}

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("challenge store is closed")

// Config holds configuration for the challenge store.
type Config struct {
	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// CleanupInterval is how often expired challenges are removed (default: 1 minute).
	CleanupInterval time.Duration

	// ChallengeBytes is the number of random bytes in a challenge (default: 32).
	ChallengeBytes int
}

// New returns random challenge text of n bytes, base64url encoded.
func New(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Equal compares challenges in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type entry struct {
	challenge string
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store for single-instance
// issuers. Use redis.ChallengeStore when several issuers share load.
type MemoryStore struct {
	mu             sync.Mutex
	store          map[string]entry
	timeout        time.Duration
	challengeBytes int
	closeCh        chan struct{}
	closed         bool
}

// NewMemoryStore creates a new in-memory challenge store.
func NewMemoryStore(cfg Config) *MemoryStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	s := &MemoryStore{
		store:          make(map[string]entry),
		timeout:        timeout,
		challengeBytes: challengeBytes,
		closeCh:        make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// Generate creates a cryptographically secure random challenge.
func (s *MemoryStore) Generate(_ context.Context, instance string) (string, error) {
	c, err := New(s.challengeBytes)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.store[instance] = entry{
		challenge: c,
		expiresAt: time.Now().Add(s.timeout),
	}

	return c, nil
}

// Validate consumes the challenge if it matches and has not expired.
// A mismatch leaves the outstanding challenge in place.
func (s *MemoryStore) Validate(_ context.Context, instance, challenge string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	e, exists := s.store[instance]
	if !exists {
		return false, nil
	}

	if time.Now().After(e.expiresAt) {
		delete(s.store, instance)
		return false, nil
	}

	if !Equal(e.challenge, challenge) {
		return false, nil
	}

	delete(s.store, instance)
	return true, nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for instance, e := range s.store {
		if now.After(e.expiresAt) {
			delete(s.store, instance)
		}
	}
}

// Len returns the number of outstanding challenges (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}
