package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/ErlanBelekov/pro-entitlements/internal/repository"
)

const DefaultStoreTimeout = 3 * time.Second

// confirmEventPrefix marks events re-applied from a post-checkout
// confirmation so they never collide with a provider's own event ids.
const confirmEventPrefix = "confirm:"

// LedgerUsecase is the only writer of entitlement state.
type LedgerUsecase struct {
	records repository.EntitlementRepository
	links   repository.CustomerLinkRepository
	timeout time.Duration
	logger  *slog.Logger
}

func NewLedgerUsecase(records repository.EntitlementRepository, links repository.CustomerLinkRepository, timeout time.Duration, logger *slog.Logger) *LedgerUsecase {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &LedgerUsecase{
		records: records,
		links:   links,
		timeout: timeout,
		logger:  logger.With("component", "ledger"),
	}
}

// ApplyEvent records ev and applies its transition exactly once. applied is
// false for a redelivery. Events of a kind the ledger does not know are
// logged and acknowledged without a state change.
func (u *LedgerUsecase) ApplyEvent(ctx context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
	if err := validateEvent(ev); err != nil {
		return nil, false, err
	}
	if !ev.Kind.Known() {
		metrics.LedgerAppliesTotal.WithLabelValues(string(ev.Provider), string(ev.Kind), "ignored").Inc()
		u.logger.InfoContext(ctx, "event kind ignored",
			"provider", ev.Provider, "event_id", ev.ProviderEventID, "kind", ev.Kind)
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	rec, applied, err := u.records.Apply(ctx, ev)
	if err != nil {
		metrics.LedgerAppliesTotal.WithLabelValues(string(ev.Provider), string(ev.Kind), "error").Inc()
		return nil, false, fmt.Errorf("%w: apply event: %w", domain.ErrTransientStore, err)
	}

	if ev.Identity != "" && ev.CustomerID != "" {
		if err := u.links.Link(ctx, ev.Provider, ev.CustomerID, ev.Identity); err != nil {
			// The event is already recorded; a retry is a no-op apply that
			// reaches this link again.
			return nil, false, fmt.Errorf("%w: link customer: %w", domain.ErrTransientStore, err)
		}
	}

	result := "duplicate"
	if applied {
		result = "applied"
	}
	metrics.LedgerAppliesTotal.WithLabelValues(string(ev.Provider), string(ev.Kind), result).Inc()

	attrs := []any{
		"provider", ev.Provider,
		"event_id", ev.ProviderEventID,
		"order_id", ev.OrderID,
		"kind", ev.Kind,
		"applied", applied,
	}
	if rec != nil {
		attrs = append(attrs, "customer_ref", rec.CustomerRef, "is_pro", rec.IsPro)
	}
	u.logger.InfoContext(ctx, "purchase event processed", attrs...)
	return rec, applied, nil
}

// Read merges every record the identity owns. It returns
// domain.ErrNoEntitlement when nothing was ever recorded.
func (u *LedgerUsecase) Read(ctx context.Context, identity string) (*domain.Entitlement, error) {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return nil, domain.ErrNoEntitlement
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	records, err := u.records.FindByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: read entitlement: %w", domain.ErrTransientStore, err)
	}
	if len(records) == 0 {
		return nil, domain.ErrNoEntitlement
	}
	return domain.MergeEntitlement(identity, records), nil
}

// AffectedIdentities lists the identities whose merged entitlement may change
// because of rec, for cache invalidation.
func (u *LedgerUsecase) AffectedIdentities(ctx context.Context, rec *domain.EntitlementRecord) ([]string, error) {
	if rec == nil {
		return nil, nil
	}
	var out []string
	if rec.Identity != "" {
		out = append(out, rec.Identity)
	}
	if rec.CustomerID == "" {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	linked, err := u.links.IdentitiesFor(ctx, rec.Provider, rec.CustomerID)
	if err != nil {
		return out, fmt.Errorf("%w: list linked identities: %w", domain.ErrTransientStore, err)
	}
	for _, id := range linked {
		if id != rec.Identity {
			out = append(out, id)
		}
	}
	return out, nil
}

// ConfirmCheckout attaches a recorded purchase to identity after the
// provider redirected the buyer back. Nothing the caller sends is trusted:
// reference must match a granting event the provider already delivered, and
// a purchase made under a different email is not claimable. It returns
// domain.ErrPurchaseNotFound while the webhook has not arrived yet.
func (u *LedgerUsecase) ConfirmCheckout(ctx context.Context, identity string, provider domain.Provider, reference string) (*domain.Entitlement, error) {
	identity = domain.NormalizeIdentity(identity)
	reference = strings.TrimSpace(reference)
	if identity == "" || !provider.Valid() || reference == "" {
		return nil, fmt.Errorf("%w: provider and reference are required", domain.ErrMalformedInput)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, u.timeout)
	purchase, err := u.records.FindPurchase(lookupCtx, provider, reference)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("%w: find purchase: %w", domain.ErrTransientStore, err)
	}

	if purchase.Identity != "" && purchase.Identity != identity {
		u.logger.WarnContext(ctx, "checkout confirmation for another identity",
			"provider", provider, "order_id", purchase.OrderID)
		return nil, domain.ErrPurchaseNotFound
	}

	if purchase.CustomerID != "" {
		linkCtx, cancel := context.WithTimeout(ctx, u.timeout)
		err := u.links.Link(linkCtx, provider, purchase.CustomerID, identity)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: link customer: %w", domain.ErrTransientStore, err)
		}
	}

	confirm := *purchase
	confirm.ProviderEventID = confirmEventPrefix + purchase.ProviderEventID
	if _, _, err := u.ApplyEvent(ctx, &confirm); err != nil {
		return nil, err
	}

	return u.Read(ctx, identity)
}

func validateEvent(ev *domain.PurchaseEvent) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", domain.ErrMalformedInput)
	case !ev.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", domain.ErrMalformedInput, ev.Provider)
	case ev.ProviderEventID == "":
		return fmt.Errorf("%w: event id is required", domain.ErrMalformedInput)
	case ev.CustomerRef() == "" && !refundsOrder(ev):
		return fmt.Errorf("%w: event carries neither identity nor customer id", domain.ErrMalformedInput)
	case ev.OccurredAt.IsZero():
		return fmt.Errorf("%w: event time is required", domain.ErrMalformedInput)
	}
	return nil
}

// refundsOrder reports whether ev is a refund the store can route by order
// alone.
func refundsOrder(ev *domain.PurchaseEvent) bool {
	return ev.Kind == domain.KindRefunded && ev.OrderID != ""
}
