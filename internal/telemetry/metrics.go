// Package telemetry provides application-level observability for the QMS workflow engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served
// by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<QMS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Workflow transitions, optimistic-lock conflicts and permission denials
//   - Escalation outcomes and the number of armed escalation timers
//   - Signature verification findings
//   - Notification delivery results
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate:        rate(http_requests_total[5m])
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Workflow engine metrics.
//
// WorkflowTransitionsTotal counts committed state changes labelled {type, from, to}.
// WorkflowConflictsTotal counts optimistic version mismatches labelled {operation, outcome}
// where outcome is "retried" or "surfaced".
//
// Example PromQL queries:
//   - Rejection rate:      sum(rate(qms_workflow_transitions_total{to="REJECTED"}[1h]))
//   - Conflicts surfaced:  sum by (operation) (rate(qms_workflow_conflicts_total{outcome="surfaced"}[5m]))
var (
	WorkflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_workflow_transitions_total",
			Help: "Total number of committed workflow state transitions.",
		},
		[]string{"type", "from", "to"},
	)

	WorkflowConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_workflow_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	PermissionDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_permission_denials_total",
			Help: "Total number of denied workflow actions, by required capability.",
		},
		[]string{"capability"},
	)
)

// Escalation metrics.
//
// EscalationsTotal is labelled {result}: "escalated", "blocked", "noop".
// A non-zero blocked rate means steps are waiting on manual reassignment.
//
// Example PromQL queries:
//   - Blocked steps last day: increase(qms_escalations_total{result="blocked"}[1d])
var (
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qms_escalations_total",
			Help: "Total number of escalation attempts, by result.",
		},
		[]string{"result"},
	)

	EscalationTimersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qms_escalation_timers_active",
			Help: "Number of armed escalation timers held by the scheduler.",
		},
	)
)

// SignatureVerificationsTotal is labelled {status}: "valid", "content_changed", "signer_revoked".
var SignatureVerificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qms_signature_verifications_total",
		Help: "Total number of signature verifications, by finding.",
	},
	[]string{"status"},
)

// NotificationsTotal is labelled {event, result}: result is "sent", "failed" or "circuit_open".
var NotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "qms_notifications_total",
		Help: "Total number of outbound workflow notifications, by event type and result.",
	},
	[]string{"event", "result"},
)

// DBOpenConnections tracks open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds.
// The goroutine exits once the database becomes unreachable, which happens on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
