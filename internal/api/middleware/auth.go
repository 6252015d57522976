package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"session-hub/internal/api/response"
)

const operatorContextKey = "operator"

// AdminTokenAuth accepts requests carrying the operator token whose bcrypt
// hash is configured. Verified tokens are remembered by digest so bcrypt runs
// once per distinct token.
func AdminTokenAuth(tokenHash string) gin.HandlerFunc {
	hash := []byte(strings.TrimSpace(tokenHash))
	var verified sync.Map

	return func(c *gin.Context) {
		token := requestToken(c, "X-Admin-Token")
		if token == "" || len(hash) == 0 {
			rejectUnauthorized(c)
			return
		}

		digest := sha256.Sum256([]byte(token))
		if _, ok := verified.Load(digest); !ok {
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				rejectUnauthorized(c)
				return
			}
			verified.Store(digest, struct{}{})
		}

		c.Set(operatorContextKey, true)
		c.Next()
	}
}

// InternalTokenAuth guards the metrics scrape endpoint: loopback callers pass,
// anyone else must present the shared internal token.
func InternalTokenAuth(token string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(token))

	return func(c *gin.Context) {
		if addr, err := netip.ParseAddr(c.ClientIP()); err == nil && addr.IsLoopback() {
			c.Next()
			return
		}

		provided := []byte(requestToken(c, "X-Internal-Token"))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			rejectUnauthorized(c)
			return
		}
		c.Next()
	}
}

func IsOperator(c *gin.Context) bool {
	return c.GetBool(operatorContextKey)
}

// requestToken reads a bearer token, falling back to the named header.
func requestToken(c *gin.Context, header string) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if scheme, value, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token := strings.TrimSpace(value); token != "" {
			return token
		}
	}
	return strings.TrimSpace(c.GetHeader(header))
}

func rejectUnauthorized(c *gin.Context) {
	response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
	c.Abort()
}
