// Package android checks Play Integrity verdicts for the issuer.
//
// The integrity token is decoded through Google's Play Integrity API and the
// verdict is accepted only if it is bound to the exchange challenge, names an
// allowed package, and meets the configured device integrity level.
//
// See: https://developer.android.com/google/play/integrity
package android

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"

	"github.com/kacy/attestation-gate/challenge"
	"github.com/kacy/attestation-gate/issuer"
	"github.com/kacy/attestation-gate/token"
)

// Config holds configuration for Play Integrity checks.
type Config struct {
	// PackageNames is the list of allowed app package names.
	PackageNames []string

	// APKCertDigests is the list of allowed APK signing certificate SHA-256 digests.
	// Optional but recommended for additional security.
	APKCertDigests []string

	// GCPCredentialsFile is the path to the service account credentials file.
	// If empty, uses Application Default Credentials.
	GCPCredentialsFile string

	// MaxVerdictAge is the maximum age of a verdict (default: 5 minutes).
	MaxVerdictAge time.Duration

	// RequireStrongIntegrity requires MEETS_STRONG_INTEGRITY verdict.
	// When false, MEETS_DEVICE_INTEGRITY is sufficient.
	RequireStrongIntegrity bool

	// AllowBasicIntegrity allows MEETS_BASIC_INTEGRITY verdict.
	// Not recommended for sensitive operations.
	AllowBasicIntegrity bool

	// Decoder decodes integrity tokens (default: the Play Integrity API).
	Decoder Decoder

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Decoder decodes an integrity token into its verdict payload.
type Decoder interface {
	Decode(ctx context.Context, packageName, integrityToken string) (*playintegrity.TokenPayloadExternal, error)
}

// apiDecoder decodes through the Play Integrity API.
type apiDecoder struct {
	service *playintegrity.Service
}

func (d apiDecoder) Decode(ctx context.Context, packageName, integrityToken string) (*playintegrity.TokenPayloadExternal, error) {
	req := &playintegrity.DecodeIntegrityTokenRequest{IntegrityToken: integrityToken}
	resp, err := d.service.V1.DecodeIntegrityToken(packageName, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.TokenPayloadExternal, nil
}

// Errors returned by Check, each wrapping issuer.ErrAttestationRejected or
// issuer.ErrCheckerUnavailable.
var (
	ErrInvalidPackageName = fmt.Errorf("%w: invalid package name", issuer.ErrAttestationRejected)
	ErrInvalidChallenge   = fmt.Errorf("%w: verdict not bound to challenge", issuer.ErrAttestationRejected)
	ErrVerdictExpired     = fmt.Errorf("%w: verdict expired", issuer.ErrAttestationRejected)
	ErrDeviceCompromised  = fmt.Errorf("%w: device integrity check failed", issuer.ErrAttestationRejected)
	ErrAppNotRecognized   = fmt.Errorf("%w: app not recognized", issuer.ErrAttestationRejected)
	ErrCertDigestMismatch = fmt.Errorf("%w: APK certificate digest mismatch", issuer.ErrAttestationRejected)
)

// Checker checks Play Integrity verdicts. It implements issuer.Checker.
type Checker struct {
	decoder        Decoder
	packageNameSet map[string]struct{}
	certDigestSet  map[string]struct{}
	maxAge         time.Duration
	requireStrong  bool
	allowBasic     bool
	now            func() time.Time
}

var _ issuer.Checker = (*Checker)(nil)

// NewChecker creates a Play Integrity checker.
func NewChecker(ctx context.Context, cfg Config) (*Checker, error) {
	if len(cfg.PackageNames) == 0 {
		return nil, errors.New("at least one package name is required")
	}

	decoder := cfg.Decoder
	if decoder == nil {
		var opts []option.ClientOption
		if cfg.GCPCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
		}
		service, err := playintegrity.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Play Integrity service: %w", err)
		}
		decoder = apiDecoder{service: service}
	}

	packageNameSet := make(map[string]struct{}, len(cfg.PackageNames))
	for _, name := range cfg.PackageNames {
		packageNameSet[name] = struct{}{}
	}

	certDigestSet := make(map[string]struct{}, len(cfg.APKCertDigests))
	for _, digest := range cfg.APKCertDigests {
		certDigestSet[normalizeDigest(digest)] = struct{}{}
	}

	maxAge := cfg.MaxVerdictAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Checker{
		decoder:        decoder,
		packageNameSet: packageNameSet,
		certDigestSet:  certDigestSet,
		maxAge:         maxAge,
		requireStrong:  cfg.RequireStrongIntegrity,
		allowBasic:     cfg.AllowBasicIntegrity,
		now:            now,
	}, nil
}

// Check decodes and evaluates the verdict in req. The app id is the
// package name.
func (v *Checker) Check(ctx context.Context, req *token.ExchangeRequest) error {
	if _, ok := v.packageNameSet[req.AppID]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidPackageName, req.AppID)
	}

	payload, err := v.decoder.Decode(ctx, req.AppID, req.IntegrityToken)
	if err != nil {
		return classifyDecodeError(err)
	}
	if payload == nil {
		return fmt.Errorf("%w: empty token payload", issuer.ErrAttestationRejected)
	}

	if err := v.verifyRequestDetails(payload.RequestDetails, req); err != nil {
		return err
	}
	if err := v.verifyAppIntegrity(payload.AppIntegrity, req.AppID); err != nil {
		return err
	}
	return v.verifyDeviceIntegrity(payload.DeviceIntegrity)
}

// classifyDecodeError separates a malformed token (rejected) from an API
// outage (unavailable, so the client retries).
func classifyDecodeError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code < http.StatusInternalServerError && apiErr.Code != http.StatusTooManyRequests {
		return fmt.Errorf("%w: decode integrity token: %v", issuer.ErrAttestationRejected, err)
	}
	return fmt.Errorf("%w: decode integrity token: %v", issuer.ErrCheckerUnavailable, err)
}

func (v *Checker) verifyRequestDetails(details *playintegrity.RequestDetails, req *token.ExchangeRequest) error {
	if details == nil {
		return fmt.Errorf("%w: missing request details", issuer.ErrAttestationRejected)
	}

	// The nonce may come back as sent or base64 encoded.
	nonce := details.Nonce
	if !challenge.Equal(nonce, req.Challenge) {
		decoded, err := base64.StdEncoding.DecodeString(nonce)
		if err != nil || !challenge.Equal(string(decoded), req.Challenge) {
			return ErrInvalidChallenge
		}
	}

	if details.RequestPackageName != req.AppID {
		return fmt.Errorf("%w: unexpected package name: %s", ErrInvalidPackageName, details.RequestPackageName)
	}

	age := v.now().Sub(time.UnixMilli(details.TimestampMillis))
	if age > v.maxAge {
		return fmt.Errorf("%w: verdict too old (%v)", ErrVerdictExpired, age)
	}
	if age < -1*time.Minute {
		return fmt.Errorf("%w: verdict from the future", ErrVerdictExpired)
	}

	return nil
}

func (v *Checker) verifyAppIntegrity(appIntegrity *playintegrity.AppIntegrity, appID string) error {
	if appIntegrity == nil {
		return fmt.Errorf("%w: missing app integrity", issuer.ErrAttestationRejected)
	}

	switch verdict := appIntegrity.AppRecognitionVerdict; verdict {
	case "PLAY_RECOGNIZED":
	case "UNRECOGNIZED_VERSION":
		return fmt.Errorf("%w: app version not recognized by Play Store", ErrAppNotRecognized)
	case "UNEVALUATED":
		return fmt.Errorf("%w: app integrity not evaluated", ErrAppNotRecognized)
	default:
		return fmt.Errorf("%w: unknown app recognition verdict: %s", ErrAppNotRecognized, verdict)
	}

	if appIntegrity.PackageName != appID {
		return fmt.Errorf("%w: package name mismatch in app integrity", ErrInvalidPackageName)
	}

	if len(v.certDigestSet) > 0 {
		found := false
		for _, digest := range appIntegrity.CertificateSha256Digest {
			if _, ok := v.certDigestSet[normalizeDigest(digest)]; ok {
				found = true
				break
			}
		}
		if !found {
			return ErrCertDigestMismatch
		}
	}

	return nil
}

func (v *Checker) verifyDeviceIntegrity(deviceIntegrity *playintegrity.DeviceIntegrity) error {
	if deviceIntegrity == nil {
		return fmt.Errorf("%w: missing device integrity", issuer.ErrAttestationRejected)
	}

	verdicts := deviceIntegrity.DeviceRecognitionVerdict
	var hasBasic, hasDevice, hasStrong bool
	for _, verdict := range verdicts {
		switch verdict {
		case "MEETS_BASIC_INTEGRITY":
			hasBasic = true
		case "MEETS_DEVICE_INTEGRITY":
			hasDevice = true
		case "MEETS_STRONG_INTEGRITY":
			hasStrong = true
		}
	}

	switch {
	case v.requireStrong && !hasStrong:
		return fmt.Errorf("%w: strong integrity required (verdicts: %v)", ErrDeviceCompromised, verdicts)
	case v.requireStrong, hasDevice, hasStrong:
		return nil
	case hasBasic && v.allowBasic:
		return nil
	case hasBasic:
		return fmt.Errorf("%w: device only meets basic integrity (may be rooted/modified)", ErrDeviceCompromised)
	default:
		return fmt.Errorf("%w: verdicts: %v", ErrDeviceCompromised, verdicts)
	}
}

// normalizeDigest accepts hex with or without colons, or base64url as
// reported by the API.
func normalizeDigest(d string) string {
	return strings.ToUpper(strings.ReplaceAll(d, ":", ""))
}
