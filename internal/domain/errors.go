package domain

import "errors"

var (
	ErrAuthenticity          = errors.New("signature is missing or invalid")
	ErrMalformedInput        = errors.New("malformed input")
	ErrCodeInvalid           = errors.New("invalid or expired code")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrTransientStore        = errors.New("store unavailable")
	ErrUnsupportedEvent      = errors.New("unsupported event")
	ErrNoEntitlement         = errors.New("no entitlement recorded")
	ErrProviderNotConfigured = errors.New("provider webhook secret not configured")
	ErrPurchaseNotFound      = errors.New("purchase not found")
)
