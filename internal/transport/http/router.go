package httptransport

import (
	"log/slog"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/handler"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

type Handlers struct {
	Auth        *handler.AuthHandler
	Entitlement *handler.EntitlementHandler
	Webhook     *handler.WebhookHandler
}

type Options struct {
	Sessions     *session.Issuer
	LoginLimiter *middleware.RateLimiter
	HSTS         bool
}

func NewRouter(logger *slog.Logger, h Handlers, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security(opts.HSTS))
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	// Provider webhooks, authenticated by signature only
	webhooks := r.Group("/webhooks")
	webhooks.POST("/stripe", h.Webhook.Receive(domain.ProviderStripe))
	webhooks.POST("/paddle", h.Webhook.Receive(domain.ProviderPaddle))
	webhooks.POST("/polar", h.Webhook.Receive(domain.ProviderPolar))

	// Login
	auth := r.Group("/auth")
	if opts.LoginLimiter != nil {
		auth.POST("/code", opts.LoginLimiter.Middleware(), h.Auth.RequestCode)
		auth.POST("/verify", opts.LoginLimiter.Middleware(), h.Auth.VerifyCode)
	} else {
		auth.POST("/code", h.Auth.RequestCode)
		auth.POST("/verify", h.Auth.VerifyCode)
	}
	auth.POST("/logout", h.Auth.Logout)

	// Entitlement reads accept anonymous callers; confirmation needs a session
	ent := r.Group("/entitlement", middleware.Session(opts.Sessions))
	ent.GET("", h.Entitlement.Get)
	ent.POST("/confirm", middleware.RequireSession(), h.Entitlement.Confirm)

	return r
}
