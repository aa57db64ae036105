package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kacy/attestation-gate/internal/retry"
	"github.com/kacy/attestation-gate/token"
)

// maxResponseSize bounds issuer response bodies.
const maxResponseSize = 64 * 1024

// Provider issues attestation tokens. It stands in for the platform
// attestation provider; any concrete SDK plugs in behind it.
type Provider interface {
	// Issue performs one token request. Errors classified transient by
	// retry.IsTransient are retried by the TokenProvider.
	Issue(ctx context.Context) (*token.Token, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (*token.Token, error)

// Issue calls f.
func (f ProviderFunc) Issue(ctx context.Context) (*token.Token, error) { return f(ctx) }

// IntegritySource obtains a platform integrity verdict bound to challenge,
// e.g. a Play Integrity token requested with challenge as its nonce.
type IntegritySource interface {
	IntegrityToken(ctx context.Context, challenge string) (string, error)
}

// IntegritySourceFunc adapts a function to IntegritySource.
type IntegritySourceFunc func(ctx context.Context, challenge string) (string, error)

// IntegrityToken calls f.
func (f IntegritySourceFunc) IntegrityToken(ctx context.Context, challenge string) (string, error) {
	return f(ctx, challenge)
}

// HTTPProviderConfig holds configuration for HTTPProvider.
type HTTPProviderConfig struct {
	// BaseURL is the issuer's base URL (required).
	BaseURL string

	// AppID identifies the app to the issuer (required).
	AppID string

	// InstanceID identifies this app installation (default: random UUID).
	InstanceID string

	// Platform is reported to the issuer (default: "android").
	Platform string

	// Source produces integrity verdicts (required).
	Source IntegritySource

	// HTTPClient is used for requests (default: 10s timeout client).
	HTTPClient *http.Client
}

// HTTPProvider obtains tokens from an issuer over HTTP: it fetches a
// challenge, has the platform sign over it, and exchanges the verdict for a
// token.
type HTTPProvider struct {
	base       string
	appID      string
	instanceID string
	platform   string
	source     IntegritySource
	client     *http.Client
}

// NewHTTPProvider creates an issuer-backed provider.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.AppID == "" {
		return nil, errors.New("app ID is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("integrity source is required")
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	platform := cfg.Platform
	if platform == "" {
		platform = "android"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPProvider{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		instanceID: instanceID,
		platform:   platform,
		source:     cfg.Source,
		client:     client,
	}, nil
}

// InstanceID returns the installation id reported to the issuer.
func (p *HTTPProvider) InstanceID() string {
	return p.instanceID
}

// Issue runs one challenge/exchange round trip.
func (p *HTTPProvider) Issue(ctx context.Context) (*token.Token, error) {
	var ch token.ChallengeResponse
	u := p.base + token.ChallengePath + "?instance=" + url.QueryEscape(p.instanceID)
	if err := p.do(ctx, http.MethodGet, u, nil, &ch, "fetch challenge"); err != nil {
		return nil, err
	}
	if ch.Challenge == "" {
		return nil, retry.Permanent(errors.New("issuer returned an empty challenge"))
	}

	verdict, err := p.source.IntegrityToken(ctx, ch.Challenge)
	if err != nil {
		return nil, fmt.Errorf("integrity verdict: %w", err)
	}

	req := token.ExchangeRequest{
		AppID:          p.appID,
		InstanceID:     p.instanceID,
		Challenge:      ch.Challenge,
		IntegrityToken: verdict,
		Platform:       p.platform,
	}
	var resp token.ExchangeResponse
	if err := p.do(ctx, http.MethodPost, p.base+token.ExchangePath, req, &resp, "exchange"); err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.ExpiresAt == 0 {
		return nil, retry.Permanent(errors.New("issuer returned an incomplete token"))
	}

	issuedAt := time.Now()
	if resp.IssuedAt > 0 {
		issuedAt = time.Unix(resp.IssuedAt, 0)
	}
	return &token.Token{
		Raw:       resp.Token,
		IssuedAt:  issuedAt,
		ExpiresAt: time.Unix(resp.ExpiresAt, 0),
	}, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, u string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%s: %w", op, err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: %w", op, err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return &retry.StatusError{StatusCode: resp.StatusCode, Op: op}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode response: %w", op, err))
	}
	return nil
}
