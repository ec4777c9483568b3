package domain

import (
	"time"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPaddle Provider = "paddle"
	ProviderPolar  Provider = "polar"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderPaddle, ProviderPolar:
		return true
	}
	return false
}

type EventKind string

const (
	KindCompleted EventKind = "completed"
	KindPaid      EventKind = "paid"
	KindRefunded  EventKind = "refunded"
)

func (k EventKind) Known() bool {
	switch k {
	case KindCompleted, KindPaid, KindRefunded:
		return true
	}
	return false
}

// Grants reports whether the kind turns entitlement on.
func (k EventKind) Grants() bool {
	return k == KindCompleted || k == KindPaid
}

// PurchaseEvent is a provider notification reduced to the fields the ledger
// needs. It is the unit of idempotency: (Provider, ProviderEventID) and
// (Provider, OrderID, Kind) each identify a delivery that was already applied.
type PurchaseEvent struct {
	Provider        Provider
	ProviderEventID string
	Identity        string // normalized email, empty when the provider did not send one
	CustomerID      string // provider customer id, empty for guest checkouts
	OrderID         string
	Kind            EventKind
	EventType       string // raw provider event type, kept for the audit log
	OccurredAt      time.Time
}

// CustomerRef is the key of the entitlement record this event belongs to.
// Provider customer ids win over identities so that anonymous checkouts and
// later logged-in purchases by the same customer share one record.
func (e *PurchaseEvent) CustomerRef() string {
	if e.CustomerID != "" {
		return "customer:" + e.CustomerID
	}
	if e.Identity != "" {
		return "email:" + e.Identity
	}
	return ""
}

// RecordRef is the key a new record gets when the event's order has no
// record yet. A refund that names only its order is keyed by the order so the
// refund guard still sees it.
func (e *PurchaseEvent) RecordRef() string {
	if ref := e.CustomerRef(); ref != "" {
		return ref
	}
	if e.OrderID != "" {
		return "order:" + e.OrderID
	}
	return ""
}

// EntitlementRecord is the per-provider, per-customer entitlement state.
type EntitlementRecord struct {
	Provider    Provider
	CustomerRef string
	Identity    string
	CustomerID  string
	IsPro       bool
	PurchasedAt *time.Time
	LastEventID string
	LastKind    EventKind
	UpdatedAt   time.Time
}

// ApplyTransition returns the record that results from applying ev on top of
// existing (nil when no record exists yet). orderRefunded reports whether a
// refund was already recorded for ev's order, in which case a late
// completed/paid event is kept for audit but does not grant.
//
// Postgres performs the same transition in SQL; both must stay in sync.
func ApplyTransition(existing *EntitlementRecord, ev *PurchaseEvent, orderRefunded bool, now time.Time) *EntitlementRecord {
	next := EntitlementRecord{
		Provider:    ev.Provider,
		CustomerRef: ev.RecordRef(),
		Identity:    ev.Identity,
		CustomerID:  ev.CustomerID,
	}
	if existing != nil {
		next = *existing
		if next.Identity == "" {
			next.Identity = ev.Identity
		}
		if next.CustomerID == "" {
			next.CustomerID = ev.CustomerID
		}
	}

	switch {
	case ev.Kind.Grants() && !orderRefunded:
		next.IsPro = true
		if next.PurchasedAt == nil {
			at := ev.OccurredAt
			next.PurchasedAt = &at
		}
	case ev.Kind == KindRefunded:
		next.IsPro = false
	}

	next.LastEventID = ev.ProviderEventID
	next.LastKind = ev.Kind
	next.UpdatedAt = now
	return &next
}

// Entitlement is the answer to "is this identity entitled", merged across
// every record that resolves to the identity.
type Entitlement struct {
	Identity    string
	IsPro       bool
	PurchasedAt *time.Time
	Records     []*EntitlementRecord
}

// MergeEntitlement ORs entitlement across providers. PurchasedAt is the
// earliest purchase among the records that currently grant access, or the
// earliest purchase overall when none do.
func MergeEntitlement(identity string, records []*EntitlementRecord) *Entitlement {
	ent := &Entitlement{Identity: identity, Records: records}
	var earliestPro, earliestAny *time.Time
	for _, r := range records {
		if r.PurchasedAt != nil {
			if earliestAny == nil || r.PurchasedAt.Before(*earliestAny) {
				earliestAny = r.PurchasedAt
			}
		}
		if !r.IsPro {
			continue
		}
		ent.IsPro = true
		if r.PurchasedAt != nil && (earliestPro == nil || r.PurchasedAt.Before(*earliestPro)) {
			earliestPro = r.PurchasedAt
		}
	}
	if ent.IsPro {
		ent.PurchasedAt = earliestPro
	} else {
		ent.PurchasedAt = earliestAny
	}
	return ent
}
