package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/kacy/attestation-gate/android"
	"github.com/kacy/attestation-gate/challenge"
	"github.com/kacy/attestation-gate/issuer"
)

type issuerOptions struct {
	listenAddr   string
	audience     []string
	name         string
	allowedApps  []string
	tokenTTL     time.Duration
	rotateEvery  time.Duration
	debugSecret  string
	packages     []string
	certDigests  []string
	credentials  string
	strong       bool
	allowBasic   bool
	challengeTTL time.Duration
}

func newIssuerCmd() *cobra.Command {
	var opts issuerOptions

	cmd := &cobra.Command{
		Use:   "issuer",
		Short: "Run a token issuer backed by Play Integrity or a debug secret",
		Long: `Exchange platform integrity verdicts for short-lived signed tokens and
publish the signing keys at /.well-known/jwks.json.

With --package the issuer checks Play Integrity verdicts through the Google
API. With --debug-secret it accepts HMAC verdicts from "attestgate call",
for emulators and CI only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssuer(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "listen", envOr("ATTEST_ISSUER_LISTEN_ADDR", ":8081"), "Listen address (or ATTEST_ISSUER_LISTEN_ADDR)")
	f.StringSliceVar(&opts.audience, "audience", nil, "Token audience, repeatable (default: ATTEST_AUDIENCE)")
	f.StringVar(&opts.name, "name", "", "Issuer name placed in the iss claim")
	f.StringSliceVar(&opts.allowedApps, "allowed-app", nil, "App id allowed to obtain tokens, repeatable (default: all)")
	f.DurationVar(&opts.tokenTTL, "token-ttl", time.Hour, "Issued token lifetime")
	f.DurationVar(&opts.rotateEvery, "rotate-every", 24*time.Hour, "Signing key rotation period (0 disables)")
	f.DurationVar(&opts.challengeTTL, "challenge-ttl", 5*time.Minute, "Challenge lifetime")
	f.StringVar(&opts.debugSecret, "debug-secret", envOr("ATTEST_DEBUG_SECRET", ""), "Accept debug verdicts signed with this secret (or ATTEST_DEBUG_SECRET)")
	f.StringSliceVar(&opts.packages, "package", nil, "Allowed Android package name, repeatable")
	f.StringSliceVar(&opts.certDigests, "cert-digest", nil, "Allowed APK signing certificate SHA-256, repeatable")
	f.StringVar(&opts.credentials, "credentials", envOr("GOOGLE_APPLICATION_CREDENTIALS", ""), "GCP service account credentials file")
	f.BoolVar(&opts.strong, "require-strong-integrity", false, "Require MEETS_STRONG_INTEGRITY")
	f.BoolVar(&opts.allowBasic, "allow-basic-integrity", false, "Accept MEETS_BASIC_INTEGRITY")

	return cmd
}

func newChecker(ctx context.Context, opts issuerOptions) (issuer.Checker, error) {
	switch {
	case len(opts.packages) > 0:
		return android.NewChecker(ctx, android.Config{
			PackageNames:           opts.packages,
			APKCertDigests:         opts.certDigests,
			GCPCredentialsFile:     opts.credentials,
			RequireStrongIntegrity: opts.strong,
			AllowBasicIntegrity:    opts.allowBasic,
		})
	case opts.debugSecret != "":
		slog.Warn("accepting debug verdicts; do not use in production")
		return issuer.DebugChecker{Secret: []byte(opts.debugSecret)}, nil
	default:
		return nil, errors.New("either --package or --debug-secret is required")
	}
}

func runIssuer(ctx context.Context, opts issuerOptions) error {
	if len(opts.audience) == 0 {
		if aud := envOr("ATTEST_AUDIENCE", ""); aud != "" {
			opts.audience = []string{aud}
		}
	}

	checker, err := newChecker(ctx, opts)
	if err != nil {
		return err
	}

	keys, err := issuer.NewKeyRing(issuer.KeyRingConfig{
		Retain: opts.tokenTTL + time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create key ring: %w", err)
	}

	challenges := challenge.NewMemoryStore(challenge.Config{Timeout: opts.challengeTTL})
	defer challenges.Close()

	iss, err := issuer.New(issuer.Config{
		Keys:        keys,
		Checker:     checker,
		Challenges:  challenges,
		Audience:    opts.audience,
		Name:        opts.name,
		AllowedApps: opts.allowedApps,
		TokenTTL:    opts.tokenTTL,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.rotateEvery > 0 {
		go rotateLoop(ctx, keys, opts.rotateEvery)
	}

	slog.Info("issuer ready", "kid", keys.CurrentKeyID(), "audience", opts.audience)
	return listenAndServe(ctx, opts.listenAddr, iss.Router())
}

func rotateLoop(ctx context.Context, keys *issuer.KeyRing, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kid, err := keys.Rotate()
			if err != nil {
				slog.Error("rotate signing key", "error", err)
				continue
			}
			slog.Info("rotated signing key", "kid", kid)
		case <-ctx.Done():
			return
		}
	}
}
