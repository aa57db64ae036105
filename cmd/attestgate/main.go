// Command attestgate runs the attestation gate, a development issuer, and a
// test client.
//
//	attestgate issuer --audience projects/123 --debug-secret s3cret
//	attestgate serve --upstream http://localhost:9000
//	attestgate call --debug-secret s3cret http://localhost:8080/v1/orders
//
// Shared settings come from ATTEST_* environment variables; see
// attestation.LoadConfig.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	var (
		logLevel  string
		logFormat string
	)

	rootCmd := &cobra.Command{
		Use:           "attestgate",
		Short:         "Attestation-gated API access",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (or ATTEST_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text|json (or ATTEST_LOG_FORMAT)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIssuerCmd())
	rootCmd.AddCommand(newCallCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "attestgate: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Flags take precedence over
// ATTEST_LOG_LEVEL and ATTEST_LOG_FORMAT.
func newLogger(level, format string) (*slog.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("ATTEST_LOG_LEVEL")
	}
	if strings.TrimSpace(format) == "" {
		format = os.Getenv("ATTEST_LOG_FORMAT")
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

func parseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

// envOr returns the environment variable or def when unset.
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
