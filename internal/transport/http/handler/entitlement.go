package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
)

// entitlementReader is satisfied by cache.EntitlementCache.
type entitlementReader interface {
	Get(ctx context.Context, identity string, forceRefresh bool) (*domain.Entitlement, error)
	Invalidate(identities ...string)
}

// checkoutConfirmer is satisfied by usecase.LedgerUsecase.
type checkoutConfirmer interface {
	ConfirmCheckout(ctx context.Context, identity string, provider domain.Provider, reference string) (*domain.Entitlement, error)
}

type EntitlementHandler struct {
	entitlements entitlementReader
	confirmer    checkoutConfirmer
	cookies      CookieConfig
	hintMaxAge   int
	logger       *slog.Logger
}

func NewEntitlementHandler(entitlements entitlementReader, confirmer checkoutConfirmer, cookies CookieConfig, hintLifetime time.Duration, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		entitlements: entitlements,
		confirmer:    confirmer,
		cookies:      cookies,
		hintMaxAge:   int(hintLifetime.Seconds()),
		logger:       logger.With("component", "entitlement_handler"),
	}
}

type entitlementResponse struct {
	IsPro       bool       `json:"isPro"`
	PurchasedAt *time.Time `json:"purchasedAt"`
	Pending     bool       `json:"pending,omitempty"`
}

func toResponse(ent *domain.Entitlement) entitlementResponse {
	if ent == nil || !ent.IsPro {
		return entitlementResponse{}
	}
	return entitlementResponse{IsPro: true, PurchasedAt: ent.PurchasedAt}
}

type confirmRequest struct {
	Provider  domain.Provider `json:"provider" binding:"required"`
	Reference string          `json:"reference" binding:"required"`
}

// GET /entitlement
// Anonymous callers get {isPro:false, purchasedAt:null}. ?refresh=true
// bypasses the cache.
func (h *EntitlementHandler) Get(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusOK, entitlementResponse{})
		return
	}

	ent, err := h.entitlements.Get(c.Request.Context(), identity, c.Query("refresh") == "true")
	if err != nil {
		if errors.Is(err, domain.ErrNoEntitlement) {
			c.JSON(http.StatusOK, entitlementResponse{})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "read entitlement", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errServiceUnavailable})
		return
	}

	c.JSON(http.StatusOK, toResponse(ent))
}

// POST /entitlement/confirm
// Requires a session. Returns 202 {pending:true} until the provider's webhook
// for the reference has been recorded.
func (h *EntitlementHandler) Confirm(c *gin.Context) {
	identity, _ := middleware.Identity(c)

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidProvider})
		return
	}

	ent, err := h.confirmer.ConfirmCheckout(c.Request.Context(), identity, req.Provider, req.Reference)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPurchaseNotFound), errors.Is(err, domain.ErrNoEntitlement):
		c.JSON(http.StatusAccepted, entitlementResponse{Pending: true})
		return
	case errors.Is(err, domain.ErrMalformedInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.logger.ErrorContext(c.Request.Context(), "confirm checkout", "error", err,
			"provider", req.Provider)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	h.entitlements.Invalidate(identity)

	resp := toResponse(ent)
	hint := "0"
	if resp.IsPro {
		hint = "1"
	}
	h.cookies.set(c, proHintCookie, hint, h.hintMaxAge, false)
	c.JSON(http.StatusOK, resp)
}
