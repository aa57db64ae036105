package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kacy/attestation-gate/token"
)

// DefaultHeader is the request header carrying the token.
const DefaultHeader = "X-Attestation-Token"

// Policy decides what the interceptor does when no token can be obtained.
type Policy string

// Attachment policies. There is no default; a deployment must choose.
const (
	// FailClosed aborts the request.
	FailClosed Policy = "fail-closed"

	// FailOpen sends the request without a token and lets the server decide.
	FailOpen Policy = "fail-open"
)

// ErrPolicyRequired is returned when no attachment policy is configured.
var ErrPolicyRequired = errors.New("attachment policy is required (fail-open or fail-closed)")

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	case "":
		return "", ErrPolicyRequired
	default:
		return "", fmt.Errorf("unknown attachment policy %q", s)
	}
}

// Acquirer supplies tokens. *TokenProvider implements it.
type Acquirer interface {
	Acquire(ctx context.Context, force bool) (*token.Token, error)
}

// InterceptorConfig holds configuration for Interceptor.
type InterceptorConfig struct {
	// Tokens supplies tokens (required).
	Tokens Acquirer

	// Policy is the attachment policy (required).
	Policy Policy

	// Header is the request header carrying the token (default: X-Attestation-Token).
	Header string

	// Base performs the requests (default: http.DefaultTransport).
	Base http.RoundTripper

	Logger *slog.Logger
}

// Interceptor attaches attestation tokens to outbound requests. It
// implements http.RoundTripper.
type Interceptor struct {
	tokens Acquirer
	policy Policy
	header string
	base   http.RoundTripper
	logger *slog.Logger
}

// NewInterceptor creates an interceptor.
func NewInterceptor(cfg InterceptorConfig) (*Interceptor, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}

	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Interceptor{
		tokens: cfg.Tokens,
		policy: policy,
		header: header,
		base:   base,
		logger: logger,
	}, nil
}

// Attach returns a copy of req carrying a token. Under FailClosed an
// unobtainable token fails the request with the acquisition error; under
// FailOpen the copy is returned without a token.
func (i *Interceptor) Attach(req *http.Request) (*http.Request, error) {
	out, _, err := i.attach(req, false)
	return out, err
}

func (i *Interceptor) attach(req *http.Request, force bool) (*http.Request, bool, error) {
	out := req.Clone(req.Context())
	out.Header.Del(i.header)

	tok, err := i.tokens.Acquire(req.Context(), force)
	if err != nil {
		if i.policy == FailClosed {
			return nil, false, err
		}
		i.logger.Warn("sending request without attestation token",
			"policy", string(i.policy), "code", token.KindOf(err).Code(), "error", err)
		return out, false, nil
	}

	out.Header.Set(i.header, tok.Raw)
	return out, true, nil
}

// RoundTrip attaches a token and sends the request. When the server rejects
// the token as stale or replayed, the token is refreshed and the request
// retried once if its body can be replayed.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	out, attached, err := i.attach(req, false)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	resp, err := i.base.RoundTrip(out)
	if err != nil || !attached || !staleRejection(resp) || !replayable(req) {
		return resp, err
	}

	i.logger.Info("token rejected, refreshing and retrying", "code", resp.Header.Get(token.ErrorHeader))
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()

	retryReq := req
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			closeBody(req)
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retryReq = req.Clone(req.Context())
		retryReq.Body = body
	}

	out, _, err = i.attach(retryReq, true)
	if err != nil {
		closeBody(retryReq)
		return nil, err
	}
	return i.base.RoundTrip(out)
}

// closeBody closes a request body the transport will never see.
func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

func staleRejection(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	switch token.KindFromCode(resp.Header.Get(token.ErrorHeader)) {
	case token.KindExpired, token.KindNotYetValid, token.KindReplayed:
		return true
	}
	return false
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// Client returns an *http.Client that sends requests through i.
func (i *Interceptor) Client() *http.Client {
	return &http.Client{Transport: i}
}
