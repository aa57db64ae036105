// Package gate admits or rejects inbound requests based on their
// attestation token.
//
// The gate extracts the token from a request header, verifies it, and on
// success forwards the request with the verified identity in its context.
// Rejections carry a stable error code and never echo verification detail.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kacy/attestation-gate/token"
	"github.com/kacy/attestation-gate/verifier"
)

// DefaultHeader is the request header carrying the token.
const DefaultHeader = "X-Attestation-Token"

// MissingTokenPolicy decides what happens to a request without a token.
type MissingTokenPolicy string

// Missing-token policies. There is no default; a deployment must choose.
const (
	// Reject fails the request with missing_token.
	Reject MissingTokenPolicy = "reject"

	// AdmitReduced forwards the request with TrustUnattested.
	AdmitReduced MissingTokenPolicy = "admit-reduced"
)

// ErrPolicyRequired is returned when no missing-token policy is configured.
var ErrPolicyRequired = errors.New("missing-token policy is required (reject or admit-reduced)")

// ParseMissingTokenPolicy parses a policy name.
func ParseMissingTokenPolicy(s string) (MissingTokenPolicy, error) {
	switch p := MissingTokenPolicy(s); p {
	case Reject, AdmitReduced:
		return p, nil
	case "":
		return "", ErrPolicyRequired
	default:
		return "", fmt.Errorf("unknown missing-token policy %q", s)
	}
}

// TrustLevel describes how much a downstream handler may trust a request.
type TrustLevel string

const (
	TrustAttested   TrustLevel = "attested"
	TrustUnattested TrustLevel = "unattested"
)

// Admission is the outcome of an admitted request.
type Admission struct {
	Trust TrustLevel

	// Identity is nil for unattested admissions.
	Identity *verifier.Identity
}

// Verifier verifies tokens. *verifier.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, raw, expectedAudience string) (*verifier.Identity, error)
}

// Config holds configuration for the gate.
type Config struct {
	// Verifier verifies tokens (required).
	Verifier Verifier

	// Audience is the expected token audience (required).
	Audience string

	// MissingToken is the missing-token policy (required).
	MissingToken MissingTokenPolicy

	// Header is the request header carrying the token (default: X-Attestation-Token).
	Header string

	Logger *slog.Logger
}

// Gate is the request admission middleware.
type Gate struct {
	verifier Verifier
	audience string
	missing  MissingTokenPolicy
	header   string
	logger   *slog.Logger
}

// New creates a gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	missing, err := ParseMissingTokenPolicy(string(cfg.MissingToken))
	if err != nil {
		return nil, err
	}

	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		verifier: cfg.Verifier,
		audience: cfg.Audience,
		missing:  missing,
		header:   header,
		logger:   logger,
	}, nil
}

// Handle decides whether r is admitted. Rejections are *token.Error values.
func (g *Gate) Handle(r *http.Request) (*Admission, error) {
	raw := strings.TrimSpace(r.Header.Get(g.header))
	if raw == "" {
		if g.missing == AdmitReduced {
			return &Admission{Trust: TrustUnattested}, nil
		}
		return nil, token.Errorf(token.KindMissingToken, "no %s header", g.header)
	}

	id, err := g.verifier.Verify(r.Context(), raw, g.audience)
	if err != nil {
		return nil, err
	}
	return &Admission{Trust: TrustAttested, Identity: id}, nil
}

// Middleware wraps an http.Handler with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm, err := g.Handle(r)
		if err != nil {
			kind := g.reject(r, err)
			writeError(w, kind)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithAdmission(r.Context(), adm)))
	})
}

// Gin returns the gate as gin middleware.
func (g *Gate) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		adm, err := g.Handle(c.Request)
		if err != nil {
			kind := g.reject(c.Request, err)
			c.Header(token.ErrorHeader, kind.Code())
			c.AbortWithStatusJSON(Status(kind), token.ErrorResponse{Error: kind.Code()})
			return
		}
		c.Request = c.Request.WithContext(ContextWithAdmission(c.Request.Context(), adm))
		c.Next()
	}
}

// reject logs a rejection with its internal detail and returns its kind.
func (g *Gate) reject(r *http.Request, err error) token.Kind {
	kind := token.KindOf(err)
	attrs := []any{"code", kind.Code(), "method", r.Method, "path", r.URL.Path, "error", err}
	if kind.Recoverable() {
		g.logger.Error("attestation check unavailable", attrs...)
	} else {
		g.logger.Info("request rejected", attrs...)
	}
	return kind
}

// Status maps a rejection kind to an HTTP status.
func Status(kind token.Kind) int {
	switch kind {
	case token.KindReplayStoreUnavailable, token.KindKeyFetchFailed, token.KindUnknown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeError(w http.ResponseWriter, kind token.Kind) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(token.ErrorHeader, kind.Code())
	w.WriteHeader(Status(kind))
	json.NewEncoder(w).Encode(token.ErrorResponse{Error: kind.Code()})
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const admissionKey contextKey = iota

// AdmissionFromContext returns the admission recorded by the gate, or nil.
func AdmissionFromContext(ctx context.Context) *Admission {
	adm, _ := ctx.Value(admissionKey).(*Admission)
	return adm
}

// IdentityFromContext returns the verified identity, or nil when the request
// was not attested.
func IdentityFromContext(ctx context.Context) *verifier.Identity {
	if adm := AdmissionFromContext(ctx); adm != nil {
		return adm.Identity
	}
	return nil
}

// ContextWithAdmission returns a context carrying adm.
func ContextWithAdmission(ctx context.Context, adm *Admission) context.Context {
	return context.WithValue(ctx, admissionKey, adm)
}
