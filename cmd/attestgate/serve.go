package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	attestation "github.com/kacy/attestation-gate"
	"github.com/kacy/attestation-gate/gate"
	"github.com/kacy/attestation-gate/token"
)

// Headers the gate sets on proxied requests.
const (
	trustHeader   = "X-Attestation-Trust"
	subjectHeader = "X-Attestation-Subject"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		upstream   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attestation gate in front of an upstream API",
		Long: `Verify the attestation token on every request and forward admitted
requests to the upstream with the verified identity in X-Attestation-* headers.
Without --upstream the gate answers with the admission it made.

Requires ATTEST_AUDIENCE, ATTEST_KEYSET_URL and ATTEST_MISSING_TOKEN_POLICY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := attestation.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), *cfg, listenAddr, upstream)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", envOr("ATTEST_LISTEN_ADDR", ":8080"), "Listen address (or ATTEST_LISTEN_ADDR)")
	cmd.Flags().StringVar(&upstream, "upstream", envOr("ATTEST_UPSTREAM_URL", ""), "Upstream base URL (or ATTEST_UPSTREAM_URL)")

	return cmd
}

func runServe(ctx context.Context, cfg attestation.Config, listenAddr, upstream string) error {
	srv, err := attestation.NewServer(attestation.ServerConfig{Config: cfg})
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Start(ctx); err != nil {
		// The key store keeps retrying; requests fail with key_fetch_failed
		// or unknown_key until a key set arrives.
		slog.Warn("starting without a key set", "error", err)
	}

	next, err := upstreamHandler(upstream)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		keys := srv.Keys()
		resp := gin.H{"keys": keys.Current().Len()}
		if err := keys.LastError(); err != nil {
			resp["last_refresh_error"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	})
	r.NoRoute(srv.Gate().Gin(), next)

	return listenAndServe(ctx, listenAddr, r)
}

func upstreamHandler(upstream string) (gin.HandlerFunc, error) {
	if upstream == "" {
		return func(c *gin.Context) {
			adm := gate.AdmissionFromContext(c.Request.Context())
			resp := gin.H{"trust": adm.Trust}
			if id := adm.Identity; id != nil {
				resp["subject"] = id.Subject
				resp["platform"] = id.Platform
				resp["key_id"] = id.KeyID
				resp["expires_at"] = id.ExpiresAt.Unix()
			}
			c.JSON(http.StatusOK, resp)
		}, nil
	}

	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)

	return func(c *gin.Context) {
		req := c.Request
		adm := gate.AdmissionFromContext(req.Context())

		// Never forward identity headers the caller supplied.
		req.Header.Del(trustHeader)
		req.Header.Del(subjectHeader)
		req.Header.Set(trustHeader, string(adm.Trust))
		if id := adm.Identity; id != nil {
			req.Header.Set(subjectHeader, id.Subject)
		}
		proxy.ServeHTTP(c.Writer, req)
	}, nil
}

// listenAndServe runs h until ctx ends or SIGINT/SIGTERM arrives, then
// drains in-flight requests.
func listenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// errorCode extracts the gate's rejection code from a response.
func errorCode(resp *http.Response) string {
	return resp.Header.Get(token.ErrorHeader)
}
