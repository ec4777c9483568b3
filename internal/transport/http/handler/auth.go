package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	"github.com/gin-gonic/gin"
)

// authUsecaser is the subset of AuthUsecase the handler needs.
// Defined here (point of use) so tests can inject a fake.
type authUsecaser interface {
	RequestCode(ctx context.Context, email string) error
	VerifyCode(ctx context.Context, email, code string) (session.Credential, error)
}

type AuthHandler struct {
	authUsecase authUsecaser
	cookies     CookieConfig
	logger      *slog.Logger
}

func NewAuthHandler(authUsecase authUsecaser, cookies CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		authUsecase: authUsecase,
		cookies:     cookies,
		logger:      logger.With("component", "auth_handler"),
	}
}

type requestCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type verifyCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required"`
}

// POST /auth/code
// Always returns 200 for a well-formed address to avoid revealing whether
// the identity exists.
func (h *AuthHandler) RequestCode(c *gin.Context) {
	var req requestCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.authUsecase.RequestCode(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, domain.ErrMalformedInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "request login code", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// POST /auth/verify
// Sets the session cookie on success, 401 on any wrong, expired or reused code.
func (h *AuthHandler) VerifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidCode})
		return
	}

	cred, err := h.authUsecase.VerifyCode(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		if errors.Is(err, domain.ErrCodeInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidCode})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "verify login code", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errServiceUnavailable})
		return
	}

	h.cookies.set(c, session.CookieName, cred.Token, cred.MaxAge(), true)
	c.JSON(http.StatusOK, gin.H{
		"identity":  cred.Identity,
		"expiresAt": cred.ExpiresAt,
	})
}

// POST /auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	h.cookies.clear(c, session.CookieName, true)
	h.cookies.clear(c, proHintCookie, false)
	c.Status(http.StatusNoContent)
}
