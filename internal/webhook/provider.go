// Package webhook turns signed payment provider callbacks into ledger
// updates. Each provider is a small variant that knows its signature scheme
// and event shapes; the Dispatcher runs the same pipeline for all of them.
package webhook

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/signature"
)

const DefaultReplayWindow = 5 * time.Minute

// Delivery is one inbound callback. Body is the raw request body, exactly as
// received.
type Delivery struct {
	Body   []byte
	Header http.Header
}

// Provider is the per-provider capability set.
type Provider interface {
	Kind() domain.Provider
	// Configured reports whether a signing secret is set. Unconfigured
	// providers reject every delivery.
	Configured() bool
	// Verify returns an error wrapping domain.ErrAuthenticity unless the
	// delivery is signed with the provider's secret and is fresh.
	Verify(d *Delivery) error
	// Decode maps the body to a purchase event. It returns
	// domain.ErrUnsupportedEvent for event types the ledger does not act on
	// and domain.ErrMalformedInput for bodies it cannot read.
	Decode(d *Delivery) (*domain.PurchaseEvent, error)
}

// ProviderConfig is shared by every provider variant.
type ProviderConfig struct {
	Secret string
	// ReplayWindow bounds how far the signed timestamp may be from now in
	// either direction. Zero disables the check.
	ReplayWindow time.Duration
	Now          func() time.Time
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	c.Secret = strings.TrimSpace(c.Secret)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c ProviderConfig) checkFreshness(ts string) error {
	if c.ReplayWindow <= 0 {
		return nil
	}
	age, ok := signature.Age(ts, c.Now())
	if !ok {
		return fmt.Errorf("%w: unreadable signature timestamp", domain.ErrAuthenticity)
	}
	if age > c.ReplayWindow || age < -c.ReplayWindow {
		return fmt.Errorf("%w: signature timestamp outside replay window", domain.ErrAuthenticity)
	}
	return nil
}

func unsupported(eventType string) error {
	return fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, eventType)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrMalformedInput}, args...)...)
}
