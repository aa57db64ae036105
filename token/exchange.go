package token

// Issuer endpoints used to obtain a token.
const (
	ChallengePath = "/v1/challenge"
	ExchangePath  = "/v1/exchange"
	JWKSPath      = "/.well-known/jwks.json"
)

// ChallengeResponse is returned by the challenge endpoint.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

// ExchangeRequest trades a platform integrity verdict for a token.
type ExchangeRequest struct {
	AppID          string `json:"app_id"`
	InstanceID     string `json:"instance_id"`
	Challenge      string `json:"challenge"`
	IntegrityToken string `json:"integrity_token"`
	Platform       string `json:"platform,omitempty"`
}

// ExchangeResponse carries an issued token. Times are Unix seconds.
type ExchangeResponse struct {
	Token     string `json:"token"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// ErrorResponse is the body of every rejection. Code is a stable Kind code
// or an issuer error code.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorHeader carries the rejection code so clients can classify a
// rejection without reading the body.
const ErrorHeader = "X-Attestation-Error"
