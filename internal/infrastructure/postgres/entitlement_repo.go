package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `provider, customer_ref, identity, customer_id, is_pro,
		       purchased_at, last_event_id, last_kind, updated_at`

type EntitlementRepository struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Apply inserts the event and folds it into the entitlement record in one
// statement. ON CONFLICT DO NOTHING on purchase_events covers both the
// (provider, provider_event_id) constraint and the (provider, order_id, kind)
// partial index, so a redelivery inserts nothing and the upsert below it
// sees no rows.
//
// Events of one order are serialized on a transaction-scoped advisory lock,
// and each lands on the record that owns the order's first event. Without the
// lock a grant and a refund committing side by side under READ COMMITTED
// would each miss the other and the grant could win.
func (r *EntitlementRepository) Apply(ctx context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ev.OrderID != "" {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`,
			string(ev.Provider), ev.OrderID,
		); err != nil {
			return nil, false, fmt.Errorf("lock order: %w", err)
		}
	}

	query := `
		WITH target AS (
			SELECT COALESCE((
				SELECT customer_ref FROM purchase_events
				WHERE  provider = $2::text
				  AND  order_id = NULLIF($8::text, '')
				ORDER BY received_at, id
				LIMIT 1
			), $9::text) AS ref
		), ins AS (
			INSERT INTO purchase_events (
				id, provider, provider_event_id, event_type, kind,
				identity, customer_id, order_id, customer_ref, occurred_at
			)
			SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text,
			       NULLIF($6::text, ''), NULLIF($7::text, ''), NULLIF($8::text, ''),
			       target.ref, $10::timestamptz
			FROM   target
			ON CONFLICT DO NOTHING
			RETURNING provider, customer_ref, identity, customer_id,
			          provider_event_id, kind, occurred_at
		), refunded AS (
			SELECT EXISTS (
				SELECT 1 FROM purchase_events
				WHERE  provider = $2::text
				  AND  order_id = NULLIF($8::text, '')
				  AND  kind     = 'refunded'
			) AS hit
		), grant_check AS (
			SELECT ins.*, (ins.kind IN ('completed', 'paid') AND NOT refunded.hit) AS grants
			FROM   ins, refunded
		)
		INSERT INTO entitlements AS e (
			provider, customer_ref, identity, customer_id, is_pro,
			purchased_at, last_event_id, last_kind, updated_at
		)
		SELECT provider, customer_ref, identity, customer_id, grants,
		       CASE WHEN grants THEN occurred_at END,
		       provider_event_id, kind, NOW()
		FROM   grant_check
		ON CONFLICT (provider, customer_ref) DO UPDATE
		SET    identity      = COALESCE(e.identity, EXCLUDED.identity),
		       customer_id   = COALESCE(e.customer_id, EXCLUDED.customer_id),
		       is_pro        = CASE
		                           WHEN EXCLUDED.last_kind = 'refunded' THEN FALSE
		                           WHEN EXCLUDED.is_pro THEN TRUE
		                           ELSE e.is_pro
		                       END,
		       purchased_at  = COALESCE(e.purchased_at, EXCLUDED.purchased_at),
		       last_event_id = EXCLUDED.last_event_id,
		       last_kind     = EXCLUDED.last_kind,
		       updated_at    = NOW()
		RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, query,
		uuid.NewString(),
		string(ev.Provider),
		ev.ProviderEventID,
		ev.EventType,
		string(ev.Kind),
		ev.Identity,
		ev.CustomerID,
		ev.OrderID,
		ev.RecordRef(),
		ev.OccurredAt,
	)

	rec, err := scanRecord(row)
	applied := err == nil
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("apply purchase event: %w", err)
		}
		// Duplicate delivery: report the record the original landed on.
		rec, err = r.duplicateRecord(ctx, tx, ev)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit apply: %w", err)
	}
	return rec, applied, nil
}

func (r *EntitlementRepository) duplicateRecord(ctx context.Context, q querier, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, error) {
	var ref string
	err := q.QueryRow(ctx,
		`SELECT customer_ref FROM purchase_events
		 WHERE  provider = $1
		   AND  (provider_event_id = $2
		         OR (order_id = NULLIF($3::text, '') AND kind = $4))
		 LIMIT 1`,
		string(ev.Provider), ev.ProviderEventID, ev.OrderID, string(ev.Kind),
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find duplicate event: %w", err)
	}
	return r.findRecord(ctx, q, ev.Provider, ref)
}

func (r *EntitlementRepository) findRecord(ctx context.Context, q querier, provider domain.Provider, customerRef string) (*domain.EntitlementRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM   entitlements
		WHERE  provider = $1 AND customer_ref = $2`

	rec, err := scanRecord(q.QueryRow(ctx, query, string(provider), customerRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find entitlement record: %w", err)
	}
	return rec, nil
}

func (r *EntitlementRepository) FindByIdentity(ctx context.Context, identity string) ([]*domain.EntitlementRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM   entitlements e
		WHERE  e.identity = $1
		   OR  EXISTS (
		           SELECT 1 FROM customer_links l
		           WHERE  l.identity    = $1
		             AND  l.provider    = e.provider
		             AND  l.customer_id = e.customer_id
		       )
		ORDER BY e.provider, e.customer_ref`

	rows, err := r.pool.Query(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("find entitlements: %w", err)
	}
	defer rows.Close()

	var out []*domain.EntitlementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}
	return out, nil
}

func (r *EntitlementRepository) FindPurchase(ctx context.Context, provider domain.Provider, reference string) (*domain.PurchaseEvent, error) {
	query := `
		SELECT provider, provider_event_id, event_type, kind,
		       identity, customer_id, order_id, occurred_at
		FROM   purchase_events
		WHERE  provider = $1
		  AND  kind IN ('completed', 'paid')
		  AND  (order_id = $2 OR customer_id = $2)
		ORDER BY received_at DESC
		LIMIT 1`

	var (
		ev                            domain.PurchaseEvent
		provStr, kind                 string
		identity, customerID, orderID *string
	)
	err := r.pool.QueryRow(ctx, query, string(provider), reference).Scan(
		&provStr, &ev.ProviderEventID, &ev.EventType, &kind,
		&identity, &customerID, &orderID, &ev.OccurredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("find purchase: %w", err)
	}
	ev.Provider = domain.Provider(provStr)
	ev.Kind = domain.EventKind(kind)
	ev.Identity = deref(identity)
	ev.CustomerID = deref(customerID)
	ev.OrderID = deref(orderID)
	return &ev, nil
}

func (r *EntitlementRepository) Link(ctx context.Context, provider domain.Provider, customerID, identity string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO customer_links (provider, customer_id, identity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		string(provider), customerID, identity,
	)
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func (r *EntitlementRepository) IdentitiesFor(ctx context.Context, provider domain.Provider, customerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT identity FROM customer_links
		 WHERE provider = $1 AND customer_id = $2
		 ORDER BY identity`,
		string(provider), customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list customer links: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect customer links: %w", err)
	}
	return out, nil
}

func (r *EntitlementRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*domain.EntitlementRecord, error) {
	var (
		rec                  domain.EntitlementRecord
		provider, lastKind   string
		identity, customerID *string
		purchasedAt          *time.Time
	)
	err := row.Scan(
		&provider, &rec.CustomerRef, &identity, &customerID, &rec.IsPro,
		&purchasedAt, &rec.LastEventID, &lastKind, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entitlement record: %w", err)
	}
	rec.Provider = domain.Provider(provider)
	rec.LastKind = domain.EventKind(lastKind)
	rec.Identity = deref(identity)
	rec.CustomerID = deref(customerID)
	rec.PurchasedAt = purchasedAt
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
