// Package attestation gates API access on platform attestation.
//
// Clients obtain short-lived signed tokens from an attestation provider and
// attach them to every protected request. The backend verifies each token's
// signature, audience, freshness and single-use nonce before admitting the
// request, rejecting traffic from tampered, emulated or otherwise
// non-genuine app instances.
//
// # Server
//
//	srv, err := attestation.NewServer(attestation.ServerConfig{
//	    Config: attestation.Config{
//	        Audience:           "projects/123456",
//	        KeySetURL:          "https://issuer.example.com/.well-known/jwks.json",
//	        MissingTokenPolicy: gate.Reject,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(ctx); err != nil {
//	    log.Printf("serving without fresh keys: %v", err)
//	}
//	http.Handle("/api/", srv.Gate().Middleware(apiHandler))
//
// # Client
//
//	c, err := attestation.NewClient(attestation.ClientConfig{
//	    Config: attestation.Config{
//	        ProviderURL:      "https://issuer.example.com",
//	        AppID:            "com.example.app",
//	        AttachmentPolicy: client.FailClosed,
//	    },
//	    Source: playIntegritySource,
//	})
//	resp, err := c.HTTPClient().Get("https://api.example.com/api/orders")
//
// # Subpackages
//
//   - token: token format and failure taxonomy
//   - client: token cache, provider, and request interceptor
//   - keyset: provider verification keys with scheduled and reactive refresh
//   - verifier: token verification
//   - replay: single-use nonce tracking
//   - gate: net/http and gin admission middleware
//   - redis: shared replay, key set, and challenge stores
//   - issuer, android, challenge: a self-hostable provider backed by Play Integrity
package attestation
