package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsIsAuthoritative(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("postgres", "alice", 3, 1)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("postgres", "alice")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats("postgres", "alice", 2, 0)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("postgres", "alice")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("postgres", "alice")); v != 0 {
		t.Errorf("expected waiting=0 after update, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("postgres", "alice")
	c.PoolExhausted("postgres", "alice")
	c.PoolExhausted("postgres", "alice")

	val := getCounterValue(c.poolExhaustedTotal.WithLabelValues("postgres", "alice"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestAuthOutcome(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthOutcome("scram-sha-256", true)
	c.AuthOutcome("scram-sha-256", true)
	c.AuthOutcome("scram-sha-256", false)

	if v := getCounterValue(c.authSuccessTotal.WithLabelValues("scram-sha-256")); v != 2 {
		t.Errorf("expected 2 successes, got %v", v)
	}
	if v := getCounterValue(c.authFailureTotal.WithLabelValues("scram-sha-256")); v != 1 {
		t.Errorf("expected 1 failure, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("postgres", "alice", 5*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "pgagroal_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionPinned("listen command")
	c.SessionPinned("listen command")
	c.SessionPinned("named prepared statement")

	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("listen command")); v != 2 {
		t.Errorf("expected listen pins=2, got %v", v)
	}
	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("named prepared statement")); v != 1 {
		t.Errorf("expected prepared stmt pins=1, got %v", v)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BackendReset(true)
	c.BackendReset(true)
	c.BackendReset(false)

	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("success")); v != 2 {
		t.Errorf("expected reset success=2, got %v", v)
	}
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("expected reset failure=1, got %v", v)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("postgres", "alice")
	c.DirtyDisconnect("postgres", "alice")

	if v := getCounterValue(c.dirtyDisconnects.WithLabelValues("postgres", "alice")); v != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", v)
	}
}

func TestServerHealthAndFailover(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetServerHealth("primary", true)
	if v := getGaugeValue(c.serverHealth.WithLabelValues("primary")); v != 1 {
		t.Errorf("expected healthy=1, got %v", v)
	}

	c.SetServerHealth("primary", false)
	c.FailoverAttempted("primary", true)
	c.FailoverAttempted("primary", false)

	if v := getGaugeValue(c.serverHealth.WithLabelValues("primary")); v != 0 {
		t.Errorf("expected unhealthy=0 after failure, got %v", v)
	}
	if v := getCounterValue(c.failoverTotal.WithLabelValues("primary", "success")); v != 1 {
		t.Errorf("expected 1 successful failover, got %v", v)
	}
	if v := getCounterValue(c.failoverTotal.WithLabelValues("primary", "failure")); v != 1 {
		t.Errorf("expected 1 failed failover, got %v", v)
	}
}

func TestConnectionError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ConnectionError("resource")
	c.ConnectionError("resource")
	c.ConnectionError("auth")

	if v := getCounterValue(c.connectionErrors.WithLabelValues("resource")); v != 2 {
		t.Errorf("expected 2 resource errors, got %v", v)
	}
	if v := getCounterValue(c.connectionErrors.WithLabelValues("auth")); v != 1 {
		t.Errorf("expected 1 auth error, got %v", v)
	}
}

func TestRemoveLimitRule(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("postgres", "alice", 1, 2)
	c.PoolExhausted("postgres", "alice")
	c.DirtyDisconnect("postgres", "alice")

	c.RemoveLimitRule("postgres", "alice")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "database" && l.GetValue() == "postgres" {
					t.Errorf("metric %s still has a postgres/alice sample after removal", f.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("postgres", "alice", 1, 0)
	c2.UpdatePoolStats("postgres", "alice", 2, 0)

	if v := getGaugeValue(c1.connectionsActive.WithLabelValues("postgres", "alice")); v != 1 {
		t.Errorf("c1 expected active=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsActive.WithLabelValues("postgres", "alice")); v != 2 {
		t.Errorf("c2 expected active=2, got %v", v)
	}
}
