package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
)

type recordKey struct {
	provider    domain.Provider
	customerRef string
}

type orderKindKey struct {
	provider domain.Provider
	orderID  string
	kind     domain.EventKind
}

type orderKey struct {
	provider domain.Provider
	orderID  string
}

type eventKey struct {
	provider domain.Provider
	eventID  string
}

type linkKey struct {
	provider   domain.Provider
	customerID string
}

// EntitlementRepository is an in-process ledger store for single-instance
// deployments and tests. Apply holds the write lock for the whole
// check-and-update, which gives the same atomicity as the Postgres upsert.
//
// Every event of an order updates the record the order's first event landed
// on, so a refund revokes the grant it refunds whatever reference it carries.
type EntitlementRepository struct {
	mu         sync.RWMutex
	now        func() time.Time
	events     []*domain.PurchaseEvent
	byEventID  map[eventKey]struct{}
	byOrder    map[orderKindKey]struct{}
	orderOwner map[orderKey]string
	records    map[recordKey]*domain.EntitlementRecord
	links      map[linkKey]map[string]struct{}
}

func NewEntitlementRepository() *EntitlementRepository {
	return &EntitlementRepository{
		now:        time.Now,
		byEventID:  make(map[eventKey]struct{}),
		byOrder:    make(map[orderKindKey]struct{}),
		orderOwner: make(map[orderKey]string),
		records:    make(map[recordKey]*domain.EntitlementRecord),
		links:      make(map[linkKey]map[string]struct{}),
	}
}

func (r *EntitlementRepository) Apply(_ context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := orderKey{provider: ev.Provider, orderID: ev.OrderID}
	ref, owned := r.orderOwner[ok]
	if ev.OrderID == "" || !owned {
		ref = ev.RecordRef()
	}
	if ref == "" {
		return nil, false, fmt.Errorf("%w: event carries no record reference", domain.ErrMalformedInput)
	}

	rk := recordKey{provider: ev.Provider, customerRef: ref}
	ek := eventKey{provider: ev.Provider, eventID: ev.ProviderEventID}
	ordKey := orderKindKey{provider: ev.Provider, orderID: ev.OrderID, kind: ev.Kind}

	_, seenEvent := r.byEventID[ek]
	_, seenOrder := r.byOrder[ordKey]
	if seenEvent || (ev.OrderID != "" && seenOrder) {
		return cloneRecord(r.records[rk]), false, nil
	}

	refunded := false
	if ev.OrderID != "" {
		_, refunded = r.byOrder[orderKindKey{provider: ev.Provider, orderID: ev.OrderID, kind: domain.KindRefunded}]
	}

	stored := *ev
	r.events = append(r.events, &stored)
	r.byEventID[ek] = struct{}{}
	if ev.OrderID != "" {
		r.byOrder[ordKey] = struct{}{}
		if !owned {
			r.orderOwner[ok] = ref
		}
	}

	next := domain.ApplyTransition(r.records[rk], ev, refunded, r.now())
	r.records[rk] = next
	return cloneRecord(next), true, nil
}

func (r *EntitlementRepository) FindByIdentity(_ context.Context, identity string) ([]*domain.EntitlementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.EntitlementRecord
	for _, rec := range r.records {
		if rec.Identity == identity || r.linked(rec, identity) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CustomerRef < out[j].CustomerRef
	})
	return out, nil
}

func (r *EntitlementRepository) linked(rec *domain.EntitlementRecord, identity string) bool {
	if rec.CustomerID == "" {
		return false
	}
	_, ok := r.links[linkKey{provider: rec.Provider, customerID: rec.CustomerID}][identity]
	return ok
}

func (r *EntitlementRepository) FindPurchase(_ context.Context, provider domain.Provider, reference string) (*domain.PurchaseEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.Provider != provider || !ev.Kind.Grants() {
			continue
		}
		if ev.OrderID == reference || (ev.CustomerID != "" && ev.CustomerID == reference) {
			found := *ev
			return &found, nil
		}
	}
	return nil, domain.ErrPurchaseNotFound
}

func (r *EntitlementRepository) Link(_ context.Context, provider domain.Provider, customerID, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := linkKey{provider: provider, customerID: customerID}
	if r.links[k] == nil {
		r.links[k] = make(map[string]struct{})
	}
	r.links[k][identity] = struct{}{}
	return nil
}

func (r *EntitlementRepository) IdentitiesFor(_ context.Context, provider domain.Provider, customerID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for identity := range r.links[linkKey{provider: provider, customerID: customerID}] {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out, nil
}

// EventCount is the number of purchase events recorded, i.e. the audit log size.
func (r *EntitlementRepository) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *EntitlementRepository) Ping(context.Context) error { return nil }

func cloneRecord(rec *domain.EntitlementRecord) *domain.EntitlementRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	if rec.PurchasedAt != nil {
		at := *rec.PurchasedAt
		c.PurchasedAt = &at
	}
	return &c
}
