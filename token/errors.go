package token

import (
	"errors"
	"fmt"
)

// Kind classifies an attestation failure. Each kind has a stable code that is
// safe to return to callers.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindAttestationUnavailable
	KindMalformed
	KindUnknownKey
	KindBadSignature
	KindAudienceMismatch
	KindExpired
	KindNotYetValid
	KindReplayed
	KindKeyFetchFailed
	KindReplayStoreUnavailable
	KindMissingToken
)

var kindCodes = map[Kind]string{
	KindUnknown:                "unknown",
	KindAttestationUnavailable: "attestation_unavailable",
	KindMalformed:              "malformed",
	KindUnknownKey:             "unknown_key",
	KindBadSignature:           "bad_signature",
	KindAudienceMismatch:       "audience_mismatch",
	KindExpired:                "expired",
	KindNotYetValid:            "not_yet_valid",
	KindReplayed:               "replayed",
	KindKeyFetchFailed:         "key_fetch_failed",
	KindReplayStoreUnavailable: "replay_store_unavailable",
	KindMissingToken:           "missing_token",
}

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

func (k Kind) String() string { return k.Code() }

// Recoverable reports whether the failure may clear without caller action.
func (k Kind) Recoverable() bool {
	switch k {
	case KindAttestationUnavailable, KindKeyFetchFailed, KindReplayStoreUnavailable:
		return true
	}
	return false
}

// KindFromCode maps a wire code back to its kind.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is matching against a kind.
var (
	ErrAttestationUnavailable = &Error{Kind: KindAttestationUnavailable}
	ErrMalformed              = &Error{Kind: KindMalformed}
	ErrUnknownKey             = &Error{Kind: KindUnknownKey}
	ErrBadSignature           = &Error{Kind: KindBadSignature}
	ErrAudienceMismatch       = &Error{Kind: KindAudienceMismatch}
	ErrExpired                = &Error{Kind: KindExpired}
	ErrNotYetValid            = &Error{Kind: KindNotYetValid}
	ErrReplayed               = &Error{Kind: KindReplayed}
	ErrKeyFetchFailed         = &Error{Kind: KindKeyFetchFailed}
	ErrReplayStoreUnavailable = &Error{Kind: KindReplayStoreUnavailable}
	ErrMissingToken           = &Error{Kind: KindMissingToken}
)

// Error is a classified attestation failure. Detail and Err are for logs only
// and must not be echoed to remote callers.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Errorf builds a classified error with a formatted internal detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := "attestation: " + e.Kind.Code()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
