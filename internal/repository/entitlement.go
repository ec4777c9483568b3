package repository

import (
	"context"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
)

// EntitlementRepository is the durable record store behind the ledger.
type EntitlementRepository interface {
	// Apply records ev and updates the matching entitlement record in a single
	// atomic step. applied is false when ev (or the same order/kind pair) was
	// recorded before; the current record is returned unchanged in that case.
	Apply(ctx context.Context, ev *domain.PurchaseEvent) (rec *domain.EntitlementRecord, applied bool, err error)

	// FindByIdentity returns every record owned by identity, either directly or
	// through a customer link.
	FindByIdentity(ctx context.Context, identity string) ([]*domain.EntitlementRecord, error)

	// FindPurchase returns the latest granting event whose order id or
	// customer id equals reference.
	FindPurchase(ctx context.Context, provider domain.Provider, reference string) (*domain.PurchaseEvent, error)
}

// CustomerLinkRepository maps provider customer ids to identities.
type CustomerLinkRepository interface {
	Link(ctx context.Context, provider domain.Provider, customerID, identity string) error
	IdentitiesFor(ctx context.Context, provider domain.Provider, customerID string) ([]string, error)
}
