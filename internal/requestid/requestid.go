package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the request and response header carrying the id.
const Header = "X-Request-ID"

const maxLen = 128

type ctxKey struct{}

// New generates a random UUID v4 request ID.
func New() string {
	return uuid.NewString()
}

// Sanitize returns an inbound id if it is safe to echo and log, or a fresh
// one otherwise. Providers and proxies set this header; nothing else about
// it is trusted.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLen {
		return New()
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return New()
		}
	}
	return id
}

// WithRequestID returns a copy of ctx with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
