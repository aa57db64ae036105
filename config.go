package attestation

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kacy/attestation-gate/client"
	"github.com/kacy/attestation-gate/gate"
)

// Config holds the options shared by Server and Client. Zero values take
// the documented defaults; the policies have none and must be chosen.
type Config struct {
	// Audience is the expected token audience (server, required).
	Audience string

	// KeySetURL is the provider's JWKS endpoint (server).
	KeySetURL string

	// ProviderURL is the token issuer's base URL (client).
	ProviderURL string

	// AppID identifies the app to the issuer (client).
	AppID string

	// SkewTolerance is the allowed issuer/verifier clock difference (default: 60s).
	SkewTolerance time.Duration

	// RefreshSafetyMargin is the fraction of a token's lifetime that must
	// remain for a cached token to be used (default: 0.1).
	RefreshSafetyMargin float64

	// MaxRetries bounds retries of transient provider failures (default: 3,
	// negative disables retries).
	MaxRetries int

	// BackoffBase and BackoffCap shape the retry backoff (defaults: 200ms, 5s).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AttachmentPolicy applies when the client cannot obtain a token
	// (client, required).
	AttachmentPolicy client.Policy

	// MissingTokenPolicy applies to requests without a token (server, required).
	MissingTokenPolicy gate.MissingTokenPolicy

	// KeyRefreshInterval is the scheduled key set refresh period (default: 6h).
	KeyRefreshInterval time.Duration

	// ReactiveRefreshCooldown spaces refreshes triggered by unknown key ids
	// (default: 30s, negative disables the cooldown).
	ReactiveRefreshCooldown time.Duration

	// TokenHeader carries the token (default: X-Attestation-Token).
	TokenHeader string
}

func (c Config) withDefaults() Config {
	if c.SkewTolerance == 0 {
		c.SkewTolerance = 60 * time.Second
	}
	if c.RefreshSafetyMargin == 0 {
		c.RefreshSafetyMargin = 0.1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.KeyRefreshInterval == 0 {
		c.KeyRefreshInterval = 6 * time.Hour
	}
	if c.ReactiveRefreshCooldown == 0 {
		c.ReactiveRefreshCooldown = 30 * time.Second
	}
	if c.TokenHeader == "" {
		c.TokenHeader = client.DefaultHeader
	}
	return c
}

// LoadConfig loads configuration from ATTEST_* environment variables.
// Unset variables keep their defaults; malformed values are errors.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Audience:    os.Getenv("ATTEST_AUDIENCE"),
		KeySetURL:   os.Getenv("ATTEST_KEYSET_URL"),
		ProviderURL: os.Getenv("ATTEST_PROVIDER_URL"),
		AppID:       os.Getenv("ATTEST_APP_ID"),
		TokenHeader: os.Getenv("ATTEST_TOKEN_HEADER"),
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"ATTEST_SKEW_TOLERANCE", &cfg.SkewTolerance},
		{"ATTEST_BACKOFF_BASE", &cfg.BackoffBase},
		{"ATTEST_BACKOFF_CAP", &cfg.BackoffCap},
		{"ATTEST_KEY_REFRESH_INTERVAL", &cfg.KeyRefreshInterval},
		{"ATTEST_REACTIVE_REFRESH_COOLDOWN", &cfg.ReactiveRefreshCooldown},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a duration (e.g. 30s): %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("ATTEST_REFRESH_SAFETY_MARGIN")); v != "" {
		margin, err := strconv.ParseFloat(v, 64)
		if err != nil || margin <= 0 || margin >= 1 {
			return nil, fmt.Errorf("ATTEST_REFRESH_SAFETY_MARGIN must be a fraction between 0 and 1")
		}
		cfg.RefreshSafetyMargin = margin
	}

	if v := strings.TrimSpace(os.Getenv("ATTEST_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("ATTEST_MAX_RETRIES must be a non-negative integer")
		}
		if n == 0 {
			n = -1
		}
		cfg.MaxRetries = n
	}

	if v := strings.TrimSpace(os.Getenv("ATTEST_ATTACHMENT_POLICY")); v != "" {
		p, err := client.ParsePolicy(v)
		if err != nil {
			return nil, fmt.Errorf("ATTEST_ATTACHMENT_POLICY: %w", err)
		}
		cfg.AttachmentPolicy = p
	}

	if v := strings.TrimSpace(os.Getenv("ATTEST_MISSING_TOKEN_POLICY")); v != "" {
		p, err := gate.ParseMissingTokenPolicy(v)
		if err != nil {
			return nil, fmt.Errorf("ATTEST_MISSING_TOKEN_POLICY: %w", err)
		}
		cfg.MissingTokenPolicy = p
	}

	return cfg, nil
}
