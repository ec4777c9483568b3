package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ErlanBelekov/pro-entitlements/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entitlements"

var (
	// Webhook metrics

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries, by provider and outcome.",
	}, []string{"provider", "outcome"})

	WebhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Time spent handling one webhook delivery.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	// Ledger metrics

	LedgerAppliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_applies_total",
		Help:      "Purchase events offered to the ledger, by provider, kind and result.",
	}, []string{"provider", "kind", "result"})

	// Cache metrics

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Entitlement cache lookups, by result (hit, miss, stale, error).",
	}, []string{"result"})

	CacheLedgerReadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_ledger_reads_total",
		Help:      "Reads the entitlement cache issued to the ledger.",
	})

	// Login metrics

	CodesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "codes_issued_total",
		Help:      "One-time login codes issued.",
	})

	CodeVerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "code_verifications_total",
		Help:      "One-time code verifications, by store outcome.",
	}, []string{"outcome"})

	LoginThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_throttled_total",
		Help:      "Login requests rejected by the per-client rate limit.",
	})

	// Sweeper metrics

	SweeperPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_purged_total",
		Help:      "Expired one-time codes removed by the sweeper.",
	})

	SweeperCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweeper_cycle_duration_seconds",
		Help:      "Time taken for one sweeper cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by route template, status class and caller.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route", "status", "caller"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests, by route template, status class and caller.",
	}, []string{"method", "route", "status", "caller"})
)

func Register() {
	prometheus.MustRegister(
		WebhookDeliveriesTotal,
		WebhookDuration,
		LedgerAppliesTotal,
		CacheLookupsTotal,
		CacheLedgerReadsTotal,
		CodesIssuedTotal,
		CodeVerificationsTotal,
		LoginThrottledTotal,
		SweeperPurgedTotal,
		SweeperCycleDuration,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer serves /metrics and, when checker is non-nil, /healthz and
// /readyz on a port separate from the public API.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		mux.HandleFunc("/healthz", healthHandler(checker.Liveness))
		mux.HandleFunc("/readyz", healthHandler(checker.Readiness))
	}
	return &http.Server{Addr: addr, Handler: mux}
}

func healthHandler(check func(context.Context) health.HealthResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := check(r.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	}
}
