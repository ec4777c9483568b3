package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ErlanBelekov/pro-entitlements/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(deps map[string]health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(deps, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(map[string]health.Pinger{"postgres": &mockPinger{err: errors.New("db down")}})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_NoDependencies(t *testing.T) {
	c, _ := newTestChecker(nil)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if len(result.Checks) != 0 {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_AllUp(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"postgres": &mockPinger{},
		"redis":    &mockPinger{},
	})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	for _, dep := range []string{"postgres", "redis"} {
		if got := result.Checks[dep].Status; got != "up" {
			t.Fatalf("expected %s up, got %q", dep, got)
		}
		if gauge := testGauge(t, reg, dep); gauge != 1 {
			t.Fatalf("expected %s gauge 1, got %f", dep, gauge)
		}
	}
}

func TestReadiness_OneDown(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{
		"postgres": &mockPinger{},
		"redis":    &mockPinger{err: errors.New("connection refused")},
	})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	rd := result.Checks["redis"]
	if rd.Status != "down" {
		t.Fatalf("expected redis down, got %s", rd.Status)
	}
	if rd.Error == "" {
		t.Fatal("expected error message")
	}
	if result.Checks["postgres"].Status != "up" {
		t.Fatal("postgres should still report up")
	}

	if gauge := testGauge(t, reg, "redis"); gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "entitlements_health_check_up" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("health gauge for %q not found", depLabel)
	return 0
}

func TestReadiness_GaugeCount(t *testing.T) {
	c, reg := newTestChecker(map[string]health.Pinger{"postgres": &mockPinger{}})
	c.Readiness(context.Background())

	if n := testutil.CollectAndCount(reg, "entitlements_health_check_up"); n != 1 {
		t.Fatalf("expected 1 gauge series, got %d", n)
	}
}
