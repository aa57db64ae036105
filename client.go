package attestation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kacy/attestation-gate/client"
	"github.com/kacy/attestation-gate/token"
)

// ClientConfig holds configuration for the calling side.
type ClientConfig struct {
	Config Config

	// Provider overrides the issuer-backed provider built from
	// Config.ProviderURL, Config.AppID and Source.
	Provider client.Provider

	// Source produces platform integrity verdicts for the issuer exchange.
	Source client.IntegritySource

	// Base performs the outbound requests (default: http.DefaultTransport).
	Base http.RoundTripper

	Logger *slog.Logger
}

// Client composes the token provider and the request interceptor.
// Construct it once at startup and Close it on shutdown.
type Client struct {
	tokens      *client.TokenProvider
	interceptor *client.Interceptor
}

// NewClient creates a client.
func NewClient(cc ClientConfig) (*Client, error) {
	cfg := cc.Config.withDefaults()

	logger := cc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider := cc.Provider
	if provider == nil {
		if cc.Source == nil {
			return nil, errors.New("integrity source or provider is required")
		}
		p, err := client.NewHTTPProvider(client.HTTPProviderConfig{
			BaseURL: cfg.ProviderURL,
			AppID:   cfg.AppID,
			Source:  cc.Source,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	}

	tokens, err := client.NewTokenProvider(client.TokenProviderConfig{
		Provider:     provider,
		SafetyMargin: cfg.RefreshSafetyMargin,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	interceptor, err := client.NewInterceptor(client.InterceptorConfig{
		Tokens: tokens,
		Policy: cfg.AttachmentPolicy,
		Header: cfg.TokenHeader,
		Base:   cc.Base,
		Logger: logger,
	})
	if err != nil {
		tokens.Close()
		return nil, err
	}

	return &Client{tokens: tokens, interceptor: interceptor}, nil
}

// Acquire returns a fresh token, refreshing it if needed.
func (c *Client) Acquire(ctx context.Context, force bool) (*token.Token, error) {
	return c.tokens.Acquire(ctx, force)
}

// HTTPClient returns an *http.Client that attaches tokens to every request.
func (c *Client) HTTPClient() *http.Client {
	return c.interceptor.Client()
}

// Interceptor returns the request interceptor.
func (c *Client) Interceptor() *client.Interceptor {
	return c.interceptor
}

// State returns the token cache state.
func (c *Client) State() client.State {
	return c.tokens.Cache().State()
}

// Close waits for in-flight refreshes. It is idempotent.
func (c *Client) Close() error {
	return c.tokens.Close()
}
