package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// proHintCookie mirrors the last confirmed entitlement for client-side
// rendering. The server never reads it.
const proHintCookie = "pro"

// CookieConfig controls the attributes of cookies set by handlers.
type CookieConfig struct {
	Secure bool
	Domain string
}

func (cc CookieConfig) set(c *gin.Context, name, value string, maxAge int, httpOnly bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", cc.Domain, cc.Secure, httpOnly)
}

func (cc CookieConfig) clear(c *gin.Context, name string, httpOnly bool) {
	cc.set(c, name, "", -1, httpOnly)
}
