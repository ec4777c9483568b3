// Package cache is the read-through cache in front of the entitlement
// ledger. It coalesces concurrent misses for the same identity into one
// ledger read and can serve a recently expired value while the ledger is
// unreachable. It never invents an entitlement: with nothing cached, a
// ledger failure is returned to the caller.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL   = 60 * time.Second
	DefaultGrace = 5 * time.Minute

	// pruneThreshold is the entry count above which stores drop entries
	// that are past their grace period.
	pruneThreshold = 50_000
)

// Reader is the ledger read path.
type Reader interface {
	Read(ctx context.Context, identity string) (*domain.Entitlement, error)
}

type entry struct {
	ent       *domain.Entitlement // nil records a confirmed absence
	fetchedAt time.Time
}

type EntitlementCache struct {
	reader Reader
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	gen     map[string]uint64
}

func New(reader Reader, ttl, grace time.Duration, logger *slog.Logger) *EntitlementCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if grace < 0 {
		grace = 0
	}
	return &EntitlementCache{
		reader:  reader,
		ttl:     ttl,
		grace:   grace,
		now:     time.Now,
		logger:  logger.With("component", "cache"),
		entries: make(map[string]entry),
		gen:     make(map[string]uint64),
	}
}

// WithClock overrides the time source, for tests.
func (c *EntitlementCache) WithClock(now func() time.Time) *EntitlementCache {
	c.now = now
	return c
}

// Get returns the merged entitlement for identity, or domain.ErrNoEntitlement
// when none was ever recorded. forceRefresh skips a fresh cached value.
//
// The ledger read runs detached from ctx: a caller that gives up returns
// ctx.Err() but the read still completes and fills the cache.
func (c *EntitlementCache) Get(ctx context.Context, identity string, forceRefresh bool) (*domain.Entitlement, error) {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return nil, domain.ErrNoEntitlement
	}

	cached, ok := c.lookup(identity)
	if ok && !forceRefresh && c.now().Sub(cached.fetchedAt) < c.ttl {
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return result(cached.ent)
	}

	readCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(identity, func() (any, error) {
		return c.refresh(readCtx, identity)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
			ent, _ := res.Val.(*domain.Entitlement)
			return result(ent)
		}
		if ok && c.now().Sub(cached.fetchedAt) < c.ttl+c.grace {
			metrics.CacheLookupsTotal.WithLabelValues("stale").Inc()
			c.logger.WarnContext(ctx, "serving stale entitlement", "identity", identity, "error", res.Err)
			return result(cached.ent)
		}
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, res.Err
	}
}

// Invalidate drops cached values for the identities. A read already in
// flight for one of them is not allowed to repopulate the cache.
func (c *EntitlementCache) Invalidate(identities ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range identities {
		id = domain.NormalizeIdentity(id)
		delete(c.entries, id)
		c.gen[id]++
		c.group.Forget(id)
	}
}

func (c *EntitlementCache) refresh(ctx context.Context, identity string) (*domain.Entitlement, error) {
	c.mu.RLock()
	gen := c.gen[identity]
	c.mu.RUnlock()

	metrics.CacheLedgerReadsTotal.Inc()
	ent, err := c.reader.Read(ctx, identity)
	if err != nil && !errors.Is(err, domain.ErrNoEntitlement) {
		return nil, err
	}
	if err != nil {
		ent = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[identity] == gen {
		now := c.now()
		if len(c.entries) >= pruneThreshold {
			c.pruneLocked(now)
		}
		c.entries[identity] = entry{ent: ent, fetchedAt: now}
	}
	return ent, nil
}

func (c *EntitlementCache) lookup(identity string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identity]
	return e, ok
}

func (c *EntitlementCache) pruneLocked(now time.Time) {
	for id, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl+c.grace {
			delete(c.entries, id)
		}
	}
}

// result returns a copy so callers cannot mutate the shared cached value.
func result(ent *domain.Entitlement) (*domain.Entitlement, error) {
	if ent == nil {
		return nil, domain.ErrNoEntitlement
	}
	out := *ent
	return &out, nil
}
