package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/webhook"
	"github.com/gin-gonic/gin"
)

// MaxWebhookBody bounds the raw body read for signature verification.
const MaxWebhookBody = 1 << 20

// webhookDispatcher is satisfied by webhook.Dispatcher.
type webhookDispatcher interface {
	Handle(ctx context.Context, kind domain.Provider, delivery *webhook.Delivery) (webhook.Result, error)
}

type WebhookHandler struct {
	dispatcher webhookDispatcher
	logger     *slog.Logger
}

func NewWebhookHandler(dispatcher webhookDispatcher, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		logger:     logger.With("component", "webhook_handler"),
	}
}

// Receive returns the handler for POST /webhooks/<provider>. The body is read
// raw because signatures cover the exact bytes the provider sent.
func (h *WebhookHandler) Receive(kind domain.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errPayloadTooLarge})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": errMalformedWebhook})
			return
		}

		delivery := &webhook.Delivery{Body: body, Header: c.Request.Header}
		res, err := h.dispatcher.Handle(c.Request.Context(), kind, delivery)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !res.Outcome.Acknowledged() {
			h.logger.ErrorContext(c.Request.Context(), "webhook not acknowledged",
				"provider", kind, "outcome", res.Outcome)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
			return
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (h *WebhookHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrProviderNotConfigured):
		c.JSON(http.StatusBadRequest, gin.H{"error": errProviderDisabled})
	case errors.Is(err, domain.ErrAuthenticity):
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidSignature})
	case errors.Is(err, domain.ErrMalformedInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": errMalformedWebhook})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
