package middleware

import (
	"net/http"
	"strings"

	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	"github.com/gin-gonic/gin"
)

const (
	errUnauthorized = "Unauthorized"

	identityKey = "identity"
)

// sessionAccepter is the subset of session.Issuer the middleware needs.
type sessionAccepter interface {
	Accept(token string) (string, error)
}

// Session resolves the caller from the session cookie, falling back to a
// Bearer token, and stores the identity in the gin context. Requests without
// a valid credential continue anonymously.
func Session(sessions sessionAccepter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := credentialFrom(c)
		if token != "" {
			if identity, err := sessions.Accept(token); err == nil {
				c.Set(identityKey, identity)
			}
		}
		c.Next()
	}
}

// RequireSession aborts with 401 unless Session resolved an identity.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Identity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}
		c.Next()
	}
}

// Identity returns the authenticated identity, if any.
func Identity(c *gin.Context) (string, bool) {
	identity := c.GetString(identityKey)
	return identity, identity != ""
}

func credentialFrom(c *gin.Context) string {
	if cookie, err := c.Cookie(session.CookieName); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
