package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kacy/attestation-gate/internal/retry"
	"github.com/kacy/attestation-gate/token"
)

// ErrClosed is returned by a closed TokenProvider.
var ErrClosed = errors.New("token provider is closed")

// TokenProviderConfig holds configuration for TokenProvider.
type TokenProviderConfig struct {
	// Provider issues tokens (required).
	Provider Provider

	// SafetyMargin is the fraction of a token's lifetime that must remain
	// for it to be served from cache (default: 0.1).
	SafetyMargin float64

	// MaxRetries bounds retries of transient failures (default: 3,
	// negative disables retries).
	MaxRetries int

	// BackoffBase and BackoffCap shape the retry backoff (defaults: 200ms, 5s).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AttemptTimeout bounds a single provider call (default: 10s).
	AttemptTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// TokenProvider acquires tokens and caches them. It is safe for concurrent
// use; concurrent acquisitions share one provider call.
type TokenProvider struct {
	provider Provider
	cache    *Cache
	margin   float64
	policy   retry.Policy
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	closed    bool
	refreshes sync.WaitGroup
}

// NewTokenProvider creates a token provider.
func NewTokenProvider(cfg TokenProviderConfig) (*TokenProvider, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}

	margin := cfg.SafetyMargin
	if margin == 0 {
		margin = 0.1
	}
	if margin < 0 || margin >= 1 {
		return nil, errors.New("safety margin must be in [0, 1)")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	base := cfg.BackoffBase
	if base == 0 {
		base = 200 * time.Millisecond
	}
	backoffCap := cfg.BackoffCap
	if backoffCap == 0 {
		backoffCap = 5 * time.Second
	}
	timeout := cfg.AttemptTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &TokenProvider{
		provider: cfg.Provider,
		cache:    &Cache{},
		margin:   margin,
		timeout:  timeout,
		now:      now,
		logger:   logger,
	}
	p.policy = retry.Policy{
		MaxRetries: maxRetries,
		Base:       base,
		Cap:        backoffCap,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.logger.Warn("attestation provider call failed, retrying",
				"attempt", attempt, "wait", wait, "error", err)
		},
	}
	return p, nil
}

// Cache returns the token cache.
func (p *TokenProvider) Cache() *Cache {
	return p.cache
}

// Acquire returns a fresh token. A cached token with more than the safety
// margin of its lifetime remaining is returned without a provider call
// unless force is set. Otherwise the caller joins the single outstanding
// refresh. If ctx ends first the caller gets ctx.Err() while the refresh
// carries on. If the refresh fails while the cached token is still
// unexpired, that token is returned and the failure stays recorded in the
// cache. Otherwise failures are token.KindAttestationUnavailable.
func (p *TokenProvider) Acquire(ctx context.Context, force bool) (*token.Token, error) {
	if !force {
		if tok := p.cache.Token(); tok.FreshAt(p.now(), p.margin) {
			return tok, nil
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.refreshes.Add(1)
	p.mu.Unlock()

	ch := p.group.DoChan("acquire", func() (any, error) {
		return p.refresh()
	})

	select {
	case res := <-ch:
		p.refreshes.Done()
		if res.Err != nil {
			if tok := p.unexpired(force); tok != nil {
				p.logger.Warn("attestation token refresh failed, using unexpired cached token",
					"expires_at", tok.ExpiresAt, "error", res.Err)
				return tok, nil
			}
			return nil, res.Err
		}
		return res.Val.(*token.Token), nil
	case <-ctx.Done():
		go func() {
			<-ch
			p.refreshes.Done()
		}()
		return nil, ctx.Err()
	}
}

// unexpired returns the cached token if it has not expired yet. A forced
// acquisition means the caller already knows the token was rejected.
func (p *TokenProvider) unexpired(force bool) *token.Token {
	if force {
		return nil
	}
	if tok := p.cache.Token(); tok != nil && p.now().Before(tok.ExpiresAt) {
		return tok
	}
	return nil
}

func (p *TokenProvider) refresh() (*token.Token, error) {
	p.cache.begin()

	var tok *token.Token
	attempts, err := retry.Do(context.Background(), p.policy, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		t, err := p.provider.Issue(ctx)
		if err != nil {
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		failure := token.Wrap(token.KindAttestationUnavailable, err)
		p.cache.fail(failure)
		p.logger.Error("attestation token refresh failed", "attempts", attempts, "error", err)
		return nil, failure
	}

	p.cache.succeed(tok)
	p.logger.Debug("attestation token refreshed", "attempts", attempts, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Close rejects further refreshes and waits for in-flight ones. It is
// idempotent.
func (p *TokenProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.refreshes.Wait()
	return nil
}
