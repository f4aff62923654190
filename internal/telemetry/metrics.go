// Package telemetry provides application-level observability for the admin console.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<ADM_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router and
// is therefore absent from the OpenAPI/Swagger spec.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Activity ledger append counters and latency
//   - Chain verification run counters (by mode and outcome) and latency
//   - Shipper delivery failure counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/activity/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as entry IDs.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/admin-console/admin-console/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.ActivityEntriesAppendedTotal.WithLabelValues(action).Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/activity/:id),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Activity ledger append metrics — recorded by the audit logger facade.
//
// ActivityEntriesAppendedTotal is a CounterVec with label {action} (the dotted
// action string such as "user.create") incremented once per entry durably
// appended to the chain.
//
// Example PromQL queries:
//   - Append rate by action:  sum by (action) (rate(activity_entries_appended_total[1h]))
//   - Busiest actions:        topk(5, sum by (action) (activity_entries_appended_total))
//
// ActivityAppendFailuresTotal is a plain Counter incremented when an append
// fails after the business mutation already committed.  Any non-zero rate here
// means the ledger is falling behind reality and deserves an alert.
//
// Example PromQL queries:
//   - Alert expression:  increase(activity_append_failures_total[10m]) > 0
//
// ActivityAppendDuration is a Histogram over the full append path: serialize,
// hash, sign (when enabled), and the INSERT under the chain-tip lock.
var (
	ActivityEntriesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_entries_appended_total",
			Help: "Total number of activity entries appended to the chain, by action.",
		},
		[]string{"action"},
	)

	ActivityAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_append_failures_total",
			Help: "Total number of failed activity append attempts.",
		},
	)

	ActivityAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activity_append_duration_seconds",
			Help:    "Duration of a single activity entry append, including hashing and storage.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Chain verification metrics — recorded by the verify handler and the CLI
// verify subcommand.
//
// VerificationRunsTotal is a CounterVec with labels {mode, outcome} where mode
// is "quick" or "full" and outcome is "valid", "invalid", or "error" (the run
// itself failed, e.g. database unreachable — distinct from a detected break).
//
// Example PromQL queries:
//   - Invalid detections:  increase(activity_verification_runs_total{outcome="invalid"}[1h])
//   - Alert expression:    activity_verification_runs_total{outcome="invalid"} > 0
//
// VerificationDuration is a HistogramVec with label {mode}.  Full scans over
// large chains take seconds; the bucket range extends to 60 s accordingly.
var (
	VerificationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_verification_runs_total",
			Help: "Total number of chain verification runs, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activity_verification_duration_seconds",
			Help:    "Duration of a chain verification run, by mode.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)
)

// ShipperFailuresTotal is a CounterVec with label {shipper} ("file", "webhook")
// incremented when a configured shipper fails to deliver an entry copy.
// Shipping is best-effort so failures never surface to callers; this counter is
// the only place they become visible.
//
// Example PromQL queries:
//   - Failure rate by sink:  rate(activity_ship_failures_total[1h])
var ShipperFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "activity_ship_failures_total",
		Help: "Total number of failed activity entry deliveries to external sinks, by shipper type.",
	},
	[]string{"shipper"},
)

// ChainLength is a Gauge holding the current highest sequence number of the
// activity chain.  It is set on startup and after every successful append, so a
// flat line during active admin hours is itself a signal worth investigating.
//
// Example PromQL queries:
//   - Append throughput:  rate(activity_chain_length[1h])
var ChainLength = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "activity_chain_length",
		Help: "Current highest sequence number in the activity chain.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <ADM_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
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
