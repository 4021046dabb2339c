// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SnapshotsApplied counts market snapshots applied per instrument.
	SnapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_snapshots_applied_total",
		Help: "Market snapshots applied, per instrument",
	}, []string{"instrument"})

	// SnapshotsDiscarded counts out-of-order snapshots discarded.
	SnapshotsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_snapshots_discarded_total",
		Help: "Out-of-order market snapshots discarded",
	}, []string{"instrument"})

	// SnapshotFetchFailures counts failed/timed-out snapshot fetches.
	SnapshotFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_snapshot_fetch_failures_total",
		Help: "Snapshot fetches that failed or timed out",
	}, []string{"instrument"})

	// StaleFeeds tracks instruments currently flagged stale.
	StaleFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_stale_feeds",
		Help: "Number of instruments operating on a stale snapshot",
	})

	// AlertsRaised counts alerts raised or escalated, by severity.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_alerts_raised_total",
		Help: "Liquidation alerts raised or escalated",
	}, []string{"severity"})

	// AlertsActive tracks currently active alerts by severity.
	AlertsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "im_alerts_active",
		Help: "Currently active liquidation alerts",
	}, []string{"severity"})

	// MarginRejections counts margin adjustment rejections by reason.
	MarginRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_margin_rejections_total",
		Help: "Margin adjustment previews rejected by the validator",
	}, []string{"reason"})

	// TrackedPositions tracks the number of positions in the ledger.
	TrackedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_tracked_positions",
		Help: "Open positions currently tracked in the ledger",
	})

	// ReconciliationConflicts counts positions dropped pending re-sync.
	ReconciliationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_reconciliation_conflicts_total",
		Help: "Lifecycle refetches that returned inconsistent position data",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
