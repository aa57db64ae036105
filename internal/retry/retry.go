// Package retry runs bounded retries with exponential backoff and jitter for
// calls to the attestation provider.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Base is the initial backoff; Cap bounds any single pause.
	Base time.Duration
	Cap  time.Duration

	// OnRetry is called before each pause.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// StatusError is a non-2xx HTTP response from the provider.
type StatusError struct {
	StatusCode int
	Op         string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient classifies err: timeouts, network errors, 5xx and 429 are
// transient; everything else is terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs fn until it succeeds, returns a terminal error, or the policy is
// exhausted. It returns the last error and the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	bo := gax.Backoff{
		Initial:    p.Base,
		Max:        p.Cap,
		Multiplier: 2,
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt > p.MaxRetries || !IsTransient(err) {
			return attempt, err
		}

		wait := bo.Pause()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := gax.Sleep(ctx, wait); serr != nil {
			return attempt, fmt.Errorf("%w (last error: %v)", serr, err)
		}
	}
}
