package usecase_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/memory"
	"github.com/ErlanBelekov/pro-entitlements/internal/usecase"
)

// ---- fakes ----

type fakeEntitlementRepo struct {
	apply          func(ctx context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error)
	findByIdentity func(ctx context.Context, identity string) ([]*domain.EntitlementRecord, error)
	findPurchase   func(ctx context.Context, provider domain.Provider, reference string) (*domain.PurchaseEvent, error)
}

func (r *fakeEntitlementRepo) Apply(ctx context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
	return r.apply(ctx, ev)
}

func (r *fakeEntitlementRepo) FindByIdentity(ctx context.Context, identity string) ([]*domain.EntitlementRecord, error) {
	return r.findByIdentity(ctx, identity)
}

func (r *fakeEntitlementRepo) FindPurchase(ctx context.Context, provider domain.Provider, reference string) (*domain.PurchaseEvent, error) {
	return r.findPurchase(ctx, provider, reference)
}

// ---- helpers ----

var paidAt = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

func newLedger() (*usecase.LedgerUsecase, *memory.EntitlementRepository) {
	repo := memory.NewEntitlementRepository()
	return usecase.NewLedgerUsecase(repo, repo, time.Second, slog.Default()), repo
}

func paddlePaid(eventID, order string) *domain.PurchaseEvent {
	return &domain.PurchaseEvent{
		Provider:        domain.ProviderPaddle,
		ProviderEventID: eventID,
		Identity:        "a@b.com",
		CustomerID:      "ctm_1",
		OrderID:         order,
		Kind:            domain.KindPaid,
		EventType:       "transaction.paid",
		OccurredAt:      paidAt,
	}
}

// ---- ApplyEvent ----

func TestApplyEvent_DuplicateDeliveryKeepsOnePurchase(t *testing.T) {
	ledger, repo := newLedger()
	ctx := context.Background()

	ev := paddlePaid("evt_1", "order_123")
	if _, applied, err := ledger.ApplyEvent(ctx, ev); err != nil || !applied {
		t.Fatalf("first delivery: applied=%v err=%v", applied, err)
	}

	late := *ev
	late.OccurredAt = paidAt.Add(time.Hour)
	rec, applied, err := ledger.ApplyEvent(ctx, &late)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if applied {
		t.Fatal("redelivery applied twice")
	}
	if !rec.IsPro || !rec.PurchasedAt.Equal(paidAt) {
		t.Fatalf("record changed by redelivery: %+v", rec)
	}
	if n := repo.EventCount(); n != 1 {
		t.Fatalf("audit log has %d entries, want 1", n)
	}

	ent, err := ledger.Read(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ent.IsPro || !ent.PurchasedAt.Equal(paidAt) {
		t.Fatalf("entitlement = %+v", ent)
	}
}

func TestApplyEvent_CompletedThenRefunded(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	if _, _, err := ledger.ApplyEvent(ctx, paddlePaid("evt_1", "order_1")); err != nil {
		t.Fatalf("paid: %v", err)
	}
	refund := paddlePaid("evt_2", "order_1")
	refund.Kind = domain.KindRefunded
	rec, _, err := ledger.ApplyEvent(ctx, refund)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if rec.IsPro {
		t.Fatal("refund left entitlement on")
	}
	if rec.PurchasedAt == nil {
		t.Fatal("refund erased purchase history")
	}
}

func TestApplyEvent_RefundWithoutCustomerRevokesOrder(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	if _, _, err := ledger.ApplyEvent(ctx, paddlePaid("evt_1", "order_1")); err != nil {
		t.Fatalf("paid: %v", err)
	}
	refund := paddlePaid("evt_2", "order_1")
	refund.Kind = domain.KindRefunded
	refund.Identity, refund.CustomerID = "", ""
	rec, applied, err := ledger.ApplyEvent(ctx, refund)
	if err != nil {
		t.Fatalf("order-only refund rejected: %v", err)
	}
	if !applied || rec.IsPro {
		t.Fatalf("refund not applied to the purchase: applied=%v rec=%+v", applied, rec)
	}

	ent, err := ledger.Read(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ent.IsPro {
		t.Fatal("refunded buyer still reads as pro")
	}
}

func TestApplyEvent_RefundNeedsOrderOrCustomer(t *testing.T) {
	ledger, repo := newLedger()

	refund := paddlePaid("evt_1", "")
	refund.Kind = domain.KindRefunded
	refund.Identity, refund.CustomerID = "", ""
	_, _, err := ledger.ApplyEvent(context.Background(), refund)
	if !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if repo.EventCount() != 0 {
		t.Fatal("malformed refund recorded")
	}
}

func TestApplyEvent_UnknownKindIsAcknowledged(t *testing.T) {
	ledger, repo := newLedger()

	ev := paddlePaid("evt_1", "order_1")
	ev.Kind = "chargeback"
	rec, applied, err := ledger.ApplyEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unknown kind must not fail: %v", err)
	}
	if rec != nil || applied {
		t.Fatalf("unknown kind changed state: rec=%v applied=%v", rec, applied)
	}
	if repo.EventCount() != 0 {
		t.Fatal("unknown kind recorded")
	}
}

func TestApplyEvent_Malformed(t *testing.T) {
	ledger, _ := newLedger()

	tests := map[string]func(ev *domain.PurchaseEvent){
		"no event id":  func(ev *domain.PurchaseEvent) { ev.ProviderEventID = "" },
		"no customer":  func(ev *domain.PurchaseEvent) { ev.Identity, ev.CustomerID = "", "" },
		"bad provider": func(ev *domain.PurchaseEvent) { ev.Provider = "gumroad" },
		"no time":      func(ev *domain.PurchaseEvent) { ev.OccurredAt = time.Time{} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			ev := paddlePaid("evt_1", "order_1")
			mutate(ev)
			if _, _, err := ledger.ApplyEvent(context.Background(), ev); !errors.Is(err, domain.ErrMalformedInput) {
				t.Fatalf("want ErrMalformedInput, got %v", err)
			}
		})
	}
}

func TestApplyEvent_StoreFailureIsTransient(t *testing.T) {
	repo := &fakeEntitlementRepo{
		apply: func(context.Context, *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
			return nil, false, errors.New("connection refused")
		},
	}
	ledger := usecase.NewLedgerUsecase(repo, memory.NewEntitlementRepository(), time.Second, slog.Default())

	_, _, err := ledger.ApplyEvent(context.Background(), paddlePaid("evt_1", "order_1"))
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("want ErrTransientStore, got %v", err)
	}
}

func TestApplyEvent_StoreCallIsBounded(t *testing.T) {
	repo := &fakeEntitlementRepo{
		apply: func(ctx context.Context, _ *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
			<-ctx.Done()
			return nil, false, ctx.Err()
		},
	}
	ledger := usecase.NewLedgerUsecase(repo, memory.NewEntitlementRepository(), 20*time.Millisecond, slog.Default())

	start := time.Now()
	_, _, err := ledger.ApplyEvent(context.Background(), paddlePaid("evt_1", "order_1"))
	if !errors.Is(err, domain.ErrTransientStore) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want transient deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("apply was not bounded by the store timeout")
	}
}

// ---- Read ----

func TestRead_NeverPurchased(t *testing.T) {
	ledger, _ := newLedger()

	_, err := ledger.Read(context.Background(), "new@b.com")
	if !errors.Is(err, domain.ErrNoEntitlement) {
		t.Fatalf("want ErrNoEntitlement, got %v", err)
	}
}

func TestRead_AnonymousCheckoutResolvedThroughLink(t *testing.T) {
	ledger, repo := newLedger()
	ctx := context.Background()

	ev := paddlePaid("evt_1", "order_1")
	ev.Identity = ""
	if _, _, err := ledger.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := ledger.Read(ctx, "a@b.com"); !errors.Is(err, domain.ErrNoEntitlement) {
		t.Fatalf("unlinked customer resolved: %v", err)
	}

	if err := repo.Link(ctx, domain.ProviderPaddle, "ctm_1", "a@b.com"); err != nil {
		t.Fatalf("link: %v", err)
	}
	ent, err := ledger.Read(ctx, "A@b.com")
	if err != nil || !ent.IsPro {
		t.Fatalf("linked read: ent=%+v err=%v", ent, err)
	}
}

func TestRead_OrAcrossProviders(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	paddle := paddlePaid("evt_1", "order_1")
	refund := paddlePaid("evt_2", "order_1")
	refund.Kind = domain.KindRefunded
	stripe := &domain.PurchaseEvent{
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_s1",
		Identity:        "a@b.com",
		OrderID:         "pi_1",
		Kind:            domain.KindCompleted,
		OccurredAt:      paidAt.Add(24 * time.Hour),
	}
	for _, ev := range []*domain.PurchaseEvent{paddle, refund, stripe} {
		if _, _, err := ledger.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("apply %s: %v", ev.ProviderEventID, err)
		}
	}

	ent, err := ledger.Read(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ent.IsPro {
		t.Fatal("stripe purchase should keep entitlement on")
	}
	if !ent.PurchasedAt.Equal(stripe.OccurredAt) {
		t.Fatalf("purchasedAt = %v, want the active stripe purchase", ent.PurchasedAt)
	}
	if len(ent.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(ent.Records))
	}
}

func TestRead_StoreFailureIsTransient(t *testing.T) {
	repo := &fakeEntitlementRepo{
		findByIdentity: func(context.Context, string) ([]*domain.EntitlementRecord, error) {
			return nil, errors.New("timeout")
		},
	}
	ledger := usecase.NewLedgerUsecase(repo, memory.NewEntitlementRepository(), time.Second, slog.Default())

	if _, err := ledger.Read(context.Background(), "a@b.com"); !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("want ErrTransientStore, got %v", err)
	}
}

// ---- AffectedIdentities ----

func TestAffectedIdentities(t *testing.T) {
	ledger, repo := newLedger()
	ctx := context.Background()

	for _, id := range []string{"a@b.com", "c@d.com"} {
		if err := repo.Link(ctx, domain.ProviderPaddle, "ctm_1", id); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	got, err := ledger.AffectedIdentities(ctx, &domain.EntitlementRecord{
		Provider: domain.ProviderPaddle, Identity: "a@b.com", CustomerID: "ctm_1",
	})
	if err != nil {
		t.Fatalf("affected: %v", err)
	}
	if len(got) != 2 || got[0] != "a@b.com" || got[1] != "c@d.com" {
		t.Fatalf("affected = %v", got)
	}
}

// ---- ConfirmCheckout ----

func TestConfirmCheckout_LinksRecordedPurchase(t *testing.T) {
	ledger, repo := newLedger()
	ctx := context.Background()

	ev := paddlePaid("evt_1", "txn_1")
	ev.Identity = ""
	if _, _, err := ledger.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ent, err := ledger.ConfirmCheckout(ctx, "a@b.com", domain.ProviderPaddle, "txn_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ent.IsPro || !ent.PurchasedAt.Equal(paidAt) {
		t.Fatalf("entitlement = %+v", ent)
	}
	if n := repo.EventCount(); n != 1 {
		t.Fatalf("confirmation added %d audit entries, want none", n-1)
	}
}

func TestConfirmCheckout_UnknownReferenceIsPending(t *testing.T) {
	ledger, repo := newLedger()

	_, err := ledger.ConfirmCheckout(context.Background(), "a@b.com", domain.ProviderStripe, "cs_forged")
	if !errors.Is(err, domain.ErrPurchaseNotFound) {
		t.Fatalf("want ErrPurchaseNotFound, got %v", err)
	}
	if repo.EventCount() != 0 {
		t.Fatal("forged reference wrote to the ledger")
	}
}

func TestConfirmCheckout_OtherIdentitysPurchase(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	if _, _, err := ledger.ApplyEvent(ctx, paddlePaid("evt_1", "txn_1")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err := ledger.ConfirmCheckout(ctx, "mallory@evil.com", domain.ProviderPaddle, "txn_1")
	if !errors.Is(err, domain.ErrPurchaseNotFound) {
		t.Fatalf("want ErrPurchaseNotFound, got %v", err)
	}
	if _, err := ledger.Read(ctx, "mallory@evil.com"); !errors.Is(err, domain.ErrNoEntitlement) {
		t.Fatalf("purchase leaked to another identity: %v", err)
	}
}

func TestConfirmCheckout_Malformed(t *testing.T) {
	ledger, _ := newLedger()

	_, err := ledger.ConfirmCheckout(context.Background(), "a@b.com", "gumroad", "txn_1")
	if !errors.Is(err, domain.ErrMalformedInput) {
		t.Fatalf("want ErrMalformedInput, got %v", err)
	}
}
