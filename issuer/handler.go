package issuer

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kacy/attestation-gate/keyset"
	"github.com/kacy/attestation-gate/token"
)

// Register mounts the issuer endpoints on r.
func (i *Issuer) Register(r gin.IRoutes) {
	r.GET(token.ChallengePath, i.handleChallenge)
	r.POST(token.ExchangePath, i.handleExchange)
	r.GET(token.JWKSPath, i.handleJWKS)
}

// Router returns a gin engine serving the issuer endpoints.
func (i *Issuer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	i.Register(r)
	return r
}

// handleChallenge handles GET /v1/challenge?instance=<id>.
func (i *Issuer) handleChallenge(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	ch, err := i.Challenge(c.Request.Context(), c.Query("instance"))
	if err != nil {
		i.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, token.ChallengeResponse{Challenge: ch})
}

// handleExchange handles POST /v1/exchange.
func (i *Issuer) handleExchange(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	var req token.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, token.ErrorResponse{Error: "invalid_request"})
		return
	}

	resp, err := i.Exchange(c.Request.Context(), &req)
	if err != nil {
		i.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleJWKS handles GET /.well-known/jwks.json.
func (i *Issuer) handleJWKS(c *gin.Context) {
	body, err := keyset.EncodeJWKS(i.keys.PublicKeys())
	if err != nil {
		i.logger.Error("encode jwks", "error", err)
		c.JSON(http.StatusInternalServerError, token.ErrorResponse{Error: "internal"})
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "application/json", body)
}

func (i *Issuer) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrAppNotAllowed):
		status, code = http.StatusForbidden, "app_not_allowed"
	case errors.Is(err, ErrInvalidChallenge):
		status, code = http.StatusForbidden, "invalid_challenge"
	case errors.Is(err, ErrAttestationRejected):
		status, code = http.StatusForbidden, "attestation_rejected"
	case errors.Is(err, ErrCheckerUnavailable):
		status, code = http.StatusServiceUnavailable, "checker_unavailable"
	}

	if status >= http.StatusInternalServerError {
		i.logger.Error("issuer request failed", "path", c.Request.URL.Path, "error", err)
	} else {
		i.logger.Info("issuer request rejected", "path", c.Request.URL.Path, "code", code, "error", err)
	}
	c.JSON(status, token.ErrorResponse{Error: code})
}
