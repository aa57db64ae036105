package android

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/playintegrity/v1"

	"github.com/kacy/attestation-gate/issuer"
	"github.com/kacy/attestation-gate/token"
)

const pkg = "com.example.app"

var now = time.Unix(1700000000, 0)

type fakeDecoder struct {
	payload *playintegrity.TokenPayloadExternal
	err     error
}

func (f fakeDecoder) Decode(context.Context, string, string) (*playintegrity.TokenPayloadExternal, error) {
	return f.payload, f.err
}

func goodPayload(challenge string) *playintegrity.TokenPayloadExternal {
	return &playintegrity.TokenPayloadExternal{
		RequestDetails: &playintegrity.RequestDetails{
			Nonce:              challenge,
			RequestPackageName: pkg,
			TimestampMillis:    now.Add(-time.Minute).UnixMilli(),
		},
		AppIntegrity: &playintegrity.AppIntegrity{
			AppRecognitionVerdict:   "PLAY_RECOGNIZED",
			PackageName:             pkg,
			CertificateSha256Digest: []string{"aa:bb:cc"},
		},
		DeviceIntegrity: &playintegrity.DeviceIntegrity{
			DeviceRecognitionVerdict: []string{"MEETS_BASIC_INTEGRITY", "MEETS_DEVICE_INTEGRITY"},
		},
	}
}

func newChecker(t *testing.T, d Decoder, mutate func(*Config)) *Checker {
	cfg := Config{
		PackageNames:   []string{pkg},
		APKCertDigests: []string{"AABBCC"},
		Decoder:        d,
		Now:            func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewChecker(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func request(challenge string) *token.ExchangeRequest {
	return &token.ExchangeRequest{AppID: pkg, InstanceID: "i", Challenge: challenge, IntegrityToken: "opaque"}
}

func TestNewChecker_Validation(t *testing.T) {
	_, err := NewChecker(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one package name is required")
}

func TestCheck_Accepts(t *testing.T) {
	c := newChecker(t, fakeDecoder{payload: goodPayload("chal")}, nil)
	assert.NoError(t, c.Check(context.Background(), request("chal")))
}

func TestCheck_AcceptsBase64Nonce(t *testing.T) {
	p := goodPayload(base64.StdEncoding.EncodeToString([]byte("chal")))
	c := newChecker(t, fakeDecoder{payload: p}, nil)
	assert.NoError(t, c.Check(context.Background(), request("chal")))
}

func TestCheck_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *playintegrity.TokenPayloadExternal)
		config  func(*Config)
		wantErr error
	}{
		{
			name:    "challenge mismatch",
			mutate:  func(p *playintegrity.TokenPayloadExternal) { p.RequestDetails.Nonce = "other" },
			wantErr: ErrInvalidChallenge,
		},
		{
			name: "stale verdict",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.RequestDetails.TimestampMillis = now.Add(-time.Hour).UnixMilli()
			},
			wantErr: ErrVerdictExpired,
		},
		{
			name: "sideloaded build",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.AppIntegrity.AppRecognitionVerdict = "UNRECOGNIZED_VERSION"
			},
			wantErr: ErrAppNotRecognized,
		},
		{
			name:    "re-signed apk",
			mutate:  func(p *playintegrity.TokenPayloadExternal) { p.AppIntegrity.CertificateSha256Digest = []string{"DD"} },
			wantErr: ErrCertDigestMismatch,
		},
		{
			name: "emulator",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.DeviceIntegrity.DeviceRecognitionVerdict = nil
			},
			wantErr: ErrDeviceCompromised,
		},
		{
			name: "basic only",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.DeviceIntegrity.DeviceRecognitionVerdict = []string{"MEETS_BASIC_INTEGRITY"}
			},
			wantErr: ErrDeviceCompromised,
		},
		{
			name:    "strong required",
			config:  func(cfg *Config) { cfg.RequireStrongIntegrity = true },
			wantErr: ErrDeviceCompromised,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := goodPayload("chal")
			if tt.mutate != nil {
				tt.mutate(p)
			}
			c := newChecker(t, fakeDecoder{payload: p}, tt.config)

			err := c.Check(context.Background(), request("chal"))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, issuer.ErrAttestationRejected)
		})
	}
}

func TestCheck_BasicAllowed(t *testing.T) {
	p := goodPayload("chal")
	p.DeviceIntegrity.DeviceRecognitionVerdict = []string{"MEETS_BASIC_INTEGRITY"}
	c := newChecker(t, fakeDecoder{payload: p}, func(cfg *Config) { cfg.AllowBasicIntegrity = true })
	assert.NoError(t, c.Check(context.Background(), request("chal")))
}

func TestCheck_UnknownPackage(t *testing.T) {
	c := newChecker(t, fakeDecoder{payload: goodPayload("chal")}, nil)
	req := request("chal")
	req.AppID = "com.evil.app"
	assert.ErrorIs(t, c.Check(context.Background(), req), ErrInvalidPackageName)
}

func TestCheck_DecodeErrors(t *testing.T) {
	bad := newChecker(t, fakeDecoder{err: &googleapi.Error{Code: http.StatusBadRequest}}, nil)
	assert.ErrorIs(t, bad.Check(context.Background(), request("chal")), issuer.ErrAttestationRejected)

	down := newChecker(t, fakeDecoder{err: &googleapi.Error{Code: http.StatusServiceUnavailable}}, nil)
	assert.ErrorIs(t, down.Check(context.Background(), request("chal")), issuer.ErrCheckerUnavailable)

	network := newChecker(t, fakeDecoder{err: errors.New("dial tcp: i/o timeout")}, nil)
	assert.ErrorIs(t, network.Check(context.Background(), request("chal")), issuer.ErrCheckerUnavailable)
}
