// Package middleware provides the gin middleware for the gateway's public
// surface: client authentication, rate limiting, request decompression and
// Prometheus metrics.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ki2api/kiro-gateway/internal/admin"
)

// Context keys set by Auth for downstream handlers.
const (
	// ContextKeyID is the authenticated API key id, 0 for the global key.
	ContextKeyID = "apiKeyID"
	// ContextKeyPool is the pool the key is bound to, empty for default
	// routing.
	ContextKeyPool = "apiKeyPool"
	// ContextRateKey identifies the caller for per-key rate limiting.
	ContextRateKey = "rateKey"
)

// AuthConfig supplies the credentials Auth accepts.
type AuthConfig struct {
	// GlobalKey is the config-file key; empty disables it.
	GlobalKey string
	// Keys is the managed key store; nil disables managed keys.
	Keys *admin.KeyStore
}

// presentedKey pulls the client key from x-api-key or Authorization.
func presentedKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Auth authenticates Anthropic-surface requests against the global key
// and the managed key store. When neither is configured the surface is
// open.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Openness is evaluated per request since keys can be created at
		// runtime through the admin API.
		if cfg.GlobalKey == "" && (cfg.Keys == nil || cfg.Keys.Len() == 0) {
			c.Set(ContextRateKey, c.ClientIP())
			c.Next()
			return
		}

		key := presentedKey(c)
		if key == "" {
			unauthorized(c, "missing api key")
			return
		}

		if cfg.GlobalKey != "" &&
			subtle.ConstantTimeCompare([]byte(cfg.GlobalKey), []byte(key)) == 1 {
			c.Set(ContextKeyID, uint64(0))
			c.Set(ContextRateKey, "global")
			c.Next()
			return
		}

		if cfg.Keys != nil {
			if found, ok := cfg.Keys.Authenticate(key); ok {
				c.Set(ContextKeyID, found.ID)
				if found.PoolID != "" {
					c.Set(ContextKeyPool, found.PoolID)
				}
				c.Set(ContextRateKey, found.Name)
				c.Next()
				return
			}
		}

		unauthorized(c, "invalid api key")
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "authentication_error",
			"message": message,
		},
	})
}
