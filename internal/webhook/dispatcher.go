package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	ctxlog "github.com/ErlanBelekov/pro-entitlements/internal/log"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
)

const DefaultApplyTimeout = 10 * time.Second

// Ledger is the write side the dispatcher feeds.
type Ledger interface {
	ApplyEvent(ctx context.Context, ev *domain.PurchaseEvent) (*domain.EntitlementRecord, bool, error)
	AffectedIdentities(ctx context.Context, rec *domain.EntitlementRecord) ([]string, error)
}

type Invalidator interface {
	Invalidate(identities ...string)
}

// Outcome is where a delivery ended up.
type Outcome string

const (
	OutcomeNotConfigured Outcome = "not_configured"
	OutcomeRejected      Outcome = "rejected"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeFailed        Outcome = "failed"
)

// Acknowledged reports whether the provider should be told the delivery
// succeeded.
func (o Outcome) Acknowledged() bool {
	return o == OutcomeIgnored || o == OutcomeApplied || o == OutcomeDuplicate
}

type Result struct {
	Outcome Outcome
	Event   *domain.PurchaseEvent
	Record  *domain.EntitlementRecord
}

type Dispatcher struct {
	providers map[domain.Provider]Provider
	ledger    Ledger
	cache     Invalidator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewDispatcher(ledger Ledger, cache Invalidator, timeout time.Duration, logger *slog.Logger, providers ...Provider) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	d := &Dispatcher{
		providers: make(map[domain.Provider]Provider, len(providers)),
		ledger:    ledger,
		cache:     cache,
		timeout:   timeout,
		logger:    logger.With("component", "webhook"),
	}
	for _, p := range providers {
		d.providers[p.Kind()] = p
	}
	return d
}

// Handle runs one delivery through verify, decode and apply. The returned
// error wraps the domain sentinel that decides the HTTP status; a nil error
// always comes with an acknowledged outcome.
//
// The ledger write runs detached from ctx under its own timeout, so a
// provider hanging up mid-request does not abort a write in progress.
func (d *Dispatcher) Handle(ctx context.Context, kind domain.Provider, delivery *Delivery) (Result, error) {
	start := time.Now()
	res, err := d.handle(ctx, kind, delivery)
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(kind), string(res.Outcome)).Inc()
	metrics.WebhookDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return res, err
}

func (d *Dispatcher) handle(ctx context.Context, kind domain.Provider, delivery *Delivery) (Result, error) {
	ctx = ctxlog.WithAttrs(ctx, slog.String("provider", string(kind)))

	p, ok := d.providers[kind]
	if !ok || !p.Configured() {
		d.logger.WarnContext(ctx, "webhook for unconfigured provider")
		return Result{Outcome: OutcomeNotConfigured}, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, kind)
	}

	if err := p.Verify(delivery); err != nil {
		d.logger.WarnContext(ctx, "webhook rejected", "error", err)
		return Result{Outcome: OutcomeRejected}, err
	}

	ev, err := p.Decode(delivery)
	switch {
	case errors.Is(err, domain.ErrUnsupportedEvent):
		d.logger.InfoContext(ctx, "webhook event ignored", "reason", err)
		return Result{Outcome: OutcomeIgnored}, nil
	case err != nil:
		d.logger.WarnContext(ctx, "webhook body unreadable", "error", err)
		return Result{Outcome: OutcomeMalformed}, err
	}
	ctx = ctxlog.WithAttrs(ctx,
		slog.String("event_id", ev.ProviderEventID),
		slog.String("event_type", ev.EventType),
	)

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	rec, applied, err := d.ledger.ApplyEvent(applyCtx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedInput) {
			d.logger.WarnContext(ctx, "webhook event unusable", "error", err)
			return Result{Outcome: OutcomeMalformed, Event: ev}, err
		}
		d.logger.ErrorContext(ctx, "webhook apply failed", "error", err)
		return Result{Outcome: OutcomeFailed, Event: ev}, err
	}

	res := Result{Outcome: OutcomeDuplicate, Event: ev, Record: rec}
	if rec == nil {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if !applied {
		return res, nil
	}
	res.Outcome = OutcomeApplied

	ids, err := d.ledger.AffectedIdentities(applyCtx, rec)
	if err != nil {
		// Cached answers expire on their own within the cache TTL.
		d.logger.WarnContext(ctx, "cache invalidation incomplete", "error", err)
	}
	d.cache.Invalidate(ids...)
	return res, nil
}
