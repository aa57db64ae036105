package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	attestation "github.com/kacy/attestation-gate"
	"github.com/kacy/attestation-gate/client"
	"github.com/kacy/attestation-gate/issuer"
)

func newCallCmd() *cobra.Command {
	var (
		method      string
		data        string
		debugSecret string
		providerURL string
		appID       string
		policy      string
	)

	cmd := &cobra.Command{
		Use:   "call <url>",
		Short: "Send one attested request (for debugging)",
		Long: `Obtain a token from the issuer using a debug verdict, call the URL with
the token attached, and print the response. The issuer must run with the
same --debug-secret.

The attachment policy has no default: pass --policy or set
ATTEST_ATTACHMENT_POLICY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := attestation.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("provider") || cfg.ProviderURL == "" {
				cfg.ProviderURL = providerURL
			}
			if cmd.Flags().Changed("app-id") || cfg.AppID == "" {
				cfg.AppID = appID
			}
			p, err := attachmentPolicy(policy, cfg.AttachmentPolicy)
			if err != nil {
				return err
			}
			cfg.AttachmentPolicy = p
			if debugSecret == "" {
				return errors.New("debug secret required: use --debug-secret or set ATTEST_DEBUG_SECRET")
			}
			return runCall(cmd.Context(), *cfg, []byte(debugSecret), method, args[0], data)
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body")
	cmd.Flags().StringVar(&debugSecret, "debug-secret", envOr("ATTEST_DEBUG_SECRET", ""), "Debug verdict secret (or ATTEST_DEBUG_SECRET)")
	cmd.Flags().StringVar(&providerURL, "provider", "http://localhost:8081", "Issuer base URL (or ATTEST_PROVIDER_URL)")
	cmd.Flags().StringVar(&appID, "app-id", "dev.attestgate.cli", "App id presented to the issuer (or ATTEST_APP_ID)")
	cmd.Flags().StringVar(&policy, "policy", "", "Attachment policy: fail-closed|fail-open (or ATTEST_ATTACHMENT_POLICY)")

	return cmd
}

// attachmentPolicy resolves the policy from the flag, falling back to the
// environment. Neither set is an error.
func attachmentPolicy(flagValue string, fromEnv client.Policy) (client.Policy, error) {
	if flagValue != "" {
		return client.ParsePolicy(flagValue)
	}
	if fromEnv != "" {
		return fromEnv, nil
	}
	return "", errors.New("attachment policy required: use --policy or set ATTEST_ATTACHMENT_POLICY")
}

func runCall(ctx context.Context, cfg attestation.Config, secret []byte, method, target, data string) error {
	c, err := attestation.NewClient(attestation.ClientConfig{
		Config: cfg,
		Source: client.IntegritySourceFunc(func(_ context.Context, challenge string) (string, error) {
			return issuer.DebugVerdict(secret, challenge), nil
		}),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(os.Stderr, "%s\n", resp.Status)
	if code := errorCode(resp); code != "" {
		fmt.Fprintf(os.Stderr, "attestation error: %s\n", code)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
