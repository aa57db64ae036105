// Package client manages the attestation token on the calling side.
//
// A TokenProvider obtains tokens from the attestation provider and keeps the
// current one in a Cache. An Interceptor attaches the cached token to every
// outbound protected request and refreshes it when it goes stale. Concurrent
// callers share a single outstanding refresh.
package client

import (
	"sync"

	"github.com/kacy/attestation-gate/token"
)

// State is a point-in-time view of the cache.
type State struct {
	// Token is the current token, or nil.
	Token *token.Token

	// RefreshInFlight reports whether a provider call is outstanding.
	RefreshInFlight bool

	// LastError is the failure of the most recent refresh, cleared by the
	// next success.
	LastError error
}

// Cache holds the current attestation token and its refresh state.
// Only the TokenProvider mutates it.
type Cache struct {
	mu       sync.RWMutex
	tok      *token.Token
	inflight bool
	lastErr  error
}

// Token returns the cached token, or nil.
func (c *Cache) Token() *token.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok
}

// State returns a snapshot of the cache.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{Token: c.tok, RefreshInFlight: c.inflight, LastError: c.lastErr}
}

func (c *Cache) begin() {
	c.mu.Lock()
	c.inflight = true
	c.mu.Unlock()
}

func (c *Cache) succeed(tok *token.Token) {
	c.mu.Lock()
	c.tok = tok
	c.inflight = false
	c.lastErr = nil
	c.mu.Unlock()
}

// fail records err and keeps the previous token, which Acquire serves
// until it expires.
func (c *Cache) fail(err error) {
	c.mu.Lock()
	c.inflight = false
	c.lastErr = err
	c.mu.Unlock()
}
