package keyset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kacy/attestation-gate/internal/retry"
)

// maxJWKSSize bounds the key set response body.
const maxJWKSSize = 1 << 20

// Fetcher retrieves the provider's current key set.
type Fetcher interface {
	Fetch(ctx context.Context) (*Set, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (*Set, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (*Set, error) { return f(ctx) }

// HTTPFetcherConfig holds configuration for HTTPFetcher.
type HTTPFetcherConfig struct {
	// URL is the provider's JWKS endpoint (required).
	URL string

	// HTTPClient is used for requests (default: 10s timeout client).
	HTTPClient *http.Client

	// MaxRetries bounds retries of transient failures (default: 3).
	MaxRetries int

	// BackoffBase and BackoffCap shape the retry backoff (defaults: 200ms, 5s).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AttemptTimeout bounds a single request (default: 5s).
	AttemptTimeout time.Duration

	Logger *slog.Logger
}

// HTTPFetcher fetches a JWKS document over HTTP(S).
type HTTPFetcher struct {
	url     string
	client  *http.Client
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPFetcher creates a JWKS fetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("key set URL is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
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
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &HTTPFetcher{
		url:     cfg.URL,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
	f.policy = retry.Policy{
		MaxRetries: maxRetries,
		Base:       base,
		Cap:        backoffCap,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			f.logger.Warn("key set fetch failed, retrying",
				"attempt", attempt, "wait", wait, "error", err)
		},
	}
	return f, nil
}

// Fetch downloads and decodes the key set, retrying transient failures.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Set, error) {
	var set *Set
	_, err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		s, err := f.fetchOnce(ctx)
		if err != nil {
			return err
		}
		set = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context) (*Set, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build jwks request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Op: "fetch jwks"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}

	set, err := DecodeJWKS(body, time.Now())
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return set, nil
}
