package issuer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/kacy/attestation-gate/token"
)

// Errors returned by checkers. Wrap them to add detail.
var (
	// ErrAttestationRejected means the verdict does not vouch for the app.
	ErrAttestationRejected = errors.New("attestation rejected")

	// ErrCheckerUnavailable means the verdict could not be evaluated now.
	ErrCheckerUnavailable = errors.New("attestation checker unavailable")
)

// Checker evaluates the platform integrity verdict of an exchange request.
// The verdict must be bound to req.Challenge.
type Checker interface {
	Check(ctx context.Context, req *token.ExchangeRequest) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, req *token.ExchangeRequest) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, req *token.ExchangeRequest) error { return f(ctx, req) }

// DebugChecker accepts verdicts produced by DebugVerdict with a shared
// secret. It stands in for the platform on emulators and in CI and must
// not be enabled in production.
type DebugChecker struct {
	Secret []byte
}

// Check verifies the HMAC verdict over the challenge.
func (d DebugChecker) Check(_ context.Context, req *token.ExchangeRequest) error {
	if len(d.Secret) == 0 {
		return errors.New("debug secret is not configured")
	}
	want := DebugVerdict(d.Secret, req.Challenge)
	if !hmac.Equal([]byte(want), []byte(req.IntegrityToken)) {
		return ErrAttestationRejected
	}
	return nil
}

// DebugVerdict computes the verdict DebugChecker accepts for challenge.
func DebugVerdict(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
