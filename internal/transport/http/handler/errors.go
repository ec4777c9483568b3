package handler

const (
	errInternalServer     = "Internal server error"
	errServiceUnavailable = "Service temporarily unavailable"
	errInvalidCode        = "invalid or expired code"
	errInvalidSignature   = "Webhook signature is missing or invalid"
	errMalformedWebhook   = "Webhook payload is malformed"
	errProviderDisabled   = "Webhook provider is not configured"
	errPayloadTooLarge    = "Payload too large"
	errInvalidProvider    = "Unknown provider"
)
