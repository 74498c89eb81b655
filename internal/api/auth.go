package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusweb/atlas/internal/config"
)

// principalKey is where the middleware parks the authenticated caller.
const principalKey = "principal"

// ErrBadToken rejects an unverifiable bearer token.
var ErrBadToken = errors.New("api: invalid token")

// Verifier resolves a bearer token to a principal. The production
// deployment plugs an LDAP-backed implementation in here; the directory
// bind itself is outside this service.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// TokenVerifier checks tokens against the configured token map.
type TokenVerifier struct {
	tokens map[string]string
}

// NewTokenVerifier builds a verifier over the config's token table.
func NewTokenVerifier(cfg *config.Config) *TokenVerifier {
	return &TokenVerifier{tokens: cfg.APITokens}
}

func (v *TokenVerifier) Verify(_ context.Context, token string) (string, error) {
	principal, ok := v.tokens[token]
	if !ok {
		return "", ErrBadToken
	}
	return principal, nil
}

// authRequired guards mutating routes. Reads stay public.
func (a *Api) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		principal, err := a.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principal(c *gin.Context) string {
	return c.GetString(principalKey)
}
