// Package metrics implements the Prometheus surface named as an
// out-of-core-scope interface in spec.md §1: the core never reads these
// values back, but every pool/pipeline/auth event that would move a counter
// in the original's shared-memory metrics block is wired here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgagroal-go, labeled by
// (database, username) the way the original's per-limit-entry counters are,
// rather than by tenant (the teacher's multi-tenant model collapses
// database+username into one "tenant" label; we split it back out since
// spec.md's limit rule is keyed on the pair).
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhaustedTotal *prometheus.CounterVec

	authSuccessTotal *prometheus.CounterVec
	authFailureTotal *prometheus.CounterVec

	acquireDuration    *prometheus.HistogramVec
	sessionPinsTotal   *prometheus.CounterVec
	backendResetsTotal *prometheus.CounterVec
	dirtyDisconnects   *prometheus.CounterVec

	serverHealth     *prometheus.GaugeVec
	failoverTotal    *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests or on config reload) — each
// call creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_active",
				Help: "Number of active slots per (database, username) limit rule",
			},
			[]string{"database", "username"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_connections_waiting",
				Help: "Number of clients waiting on Acquire per (database, username)",
			},
			[]string{"database", "username"},
		),
		poolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_pool_exhausted_total",
				Help: "Times Acquire could not find or create a slot before blocking_timeout",
			},
			[]string{"database", "username"},
		),
		authSuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_auth_success_total",
				Help: "Successful client authentications by method",
			},
			[]string{"method"},
		),
		authFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_auth_failure_total",
				Help: "Failed client authentications by method",
			},
			[]string{"method"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgagroal_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database", "username"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_session_pins_total",
				Help: "Transaction-pipeline slot-pin events by reason",
			},
			[]string{"reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_backend_resets_total",
				Help: "DISCARD ALL reset results when a transaction-pipeline slot is returned",
			},
			[]string{"status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring a ROLLBACK",
			},
			[]string{"database", "username"},
		),
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_server_health",
				Help: "Backend server state (1=primary/replica reachable, 0=failed)",
			},
			[]string{"server"},
		),
		failoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_failover_total",
				Help: "Failover script invocations by server and outcome",
			},
			[]string{"server", "outcome"},
		),
		connectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_connection_errors_total",
				Help: "Backend connection errors by error kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsWaiting,
		c.poolExhaustedTotal,
		c.authSuccessTotal,
		c.authFailureTotal,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.serverHealth,
		c.failoverTotal,
		c.connectionErrors,
	)

	return c
}

// UpdatePoolStats updates the active/waiting gauges for a limit rule.
func (c *Collector) UpdatePoolStats(database, username string, active, waiting int) {
	c.connectionsActive.WithLabelValues(database, username).Set(float64(active))
	c.connectionsWaiting.WithLabelValues(database, username).Set(float64(waiting))
}

// PoolExhausted increments the pool-exhausted counter for a limit rule.
func (c *Collector) PoolExhausted(database, username string) {
	c.poolExhaustedTotal.WithLabelValues(database, username).Inc()
}

// AuthOutcome records a completed authentication attempt.
func (c *Collector) AuthOutcome(method string, success bool) {
	if success {
		c.authSuccessTotal.WithLabelValues(method).Inc()
		return
	}
	c.authFailureTotal.WithLabelValues(method).Inc()
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(database, username string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database, username).Observe(d.Seconds())
}

// SessionPinned increments the session-pin counter with the given reason.
func (c *Collector) SessionPinned(reason string) {
	c.sessionPinsTotal.WithLabelValues(reason).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(status).Inc()
}

// DirtyDisconnect increments the dirty-disconnect counter for a limit rule.
func (c *Collector) DirtyDisconnect(database, username string) {
	c.dirtyDisconnects.WithLabelValues(database, username).Inc()
}

// SetServerHealth sets the reachability gauge for a backend server.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(server).Set(val)
}

// FailoverAttempted records a failover script invocation outcome.
func (c *Collector) FailoverAttempted(server string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.failoverTotal.WithLabelValues(server, outcome).Inc()
}

// ConnectionError increments the connection-error counter by error kind
// (matching internal/perror.Kind's String() form).
func (c *Collector) ConnectionError(kind string) {
	c.connectionErrors.WithLabelValues(kind).Inc()
}

// RemoveLimitRule removes all per-(database,username) metrics for a rule
// that no longer exists after a configuration reload.
func (c *Collector) RemoveLimitRule(database, username string) {
	c.connectionsActive.DeleteLabelValues(database, username)
	c.connectionsWaiting.DeleteLabelValues(database, username)
	c.poolExhaustedTotal.DeleteLabelValues(database, username)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database, "username": username})
	c.dirtyDisconnects.DeleteLabelValues(database, username)
}
