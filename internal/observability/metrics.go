// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Scheduler metrics
	TicksTotal         *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	EventsProcessed    *prometheus.CounterVec
	AckedCursor        prometheus.Gauge
	AckFailures        prometheus.Counter
	PendingAck         prometheus.Gauge
	LastSuccessfulSync prometheus.Gauge

	// Remote call metrics
	RemoteCallLatency *prometheus.HistogramVec
	RemoteCallErrors  *prometheus.CounterVec

	// Snapshot and ledger metrics
	RefreshesTotal *prometheus.CounterVec
	LedgerOps      *prometheus.CounterVec

	// Push subscription metrics
	WSMessages   prometheus.Counter
	WSReconnects prometheus.Counter

	// Audit metrics
	AuditWriteErrors prometheus.Counter
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg registers on the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "market_sync"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Scheduler metrics
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of non-skipped scheduler ticks in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_processed_total",
			Help:      "Total number of reconciled events by type and outcome",
		}, []string{"event_type", "outcome"}),
		AckedCursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "acked_cursor",
			Help:      "Highest event id acknowledged upstream",
		}),
		AckFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ack_failures_total",
			Help:      "Total number of failed acknowledgments",
		}),
		PendingAck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_ack",
			Help:      "Event id awaiting acknowledgment retry, 0 when none",
		}),
		LastSuccessfulSync: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of last successful sync tick",
		}),

		// Remote call metrics
		RemoteCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RemoteCallErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_errors_total",
			Help:      "Total number of failed upstream calls by operation",
		}, []string{"op"}),

		// Snapshot and ledger metrics
		RefreshesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "refreshes_total",
			Help:      "Total number of per-asset refreshes by status",
		}, []string{"status"}),
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations by operation and result",
		}, []string{"op", "result"}),

		// Push subscription metrics
		WSMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Total number of wake-up frames received",
		}),
		WSReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "reconnects_total",
			Help:      "Total number of websocket reconnect attempts",
		}),

		// Audit metrics
		AuditWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_errors_total",
			Help:      "Total number of failed audit log writes",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordTick records one scheduler tick.
func (m *Metrics) RecordTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.TickDuration.Observe(d.Seconds())
	}
}

// RecordEvent records the reconciliation outcome of one event.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordAck records an acknowledgment attempt.
func (m *Metrics) RecordAck(eventID int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AckFailures.Inc()
		m.PendingAck.Set(float64(eventID))
		return
	}
	m.AckedCursor.Set(float64(eventID))
	m.PendingAck.Set(0)
}

// RecordSynced updates the last successful sync timestamp.
func (m *Metrics) RecordSynced(at time.Time) {
	if m == nil {
		return
	}
	m.LastSuccessfulSync.Set(float64(at.Unix()))
}

// RecordRemoteCall records upstream call latency and failures.
func (m *Metrics) RecordRemoteCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RemoteCallLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.RemoteCallErrors.WithLabelValues(op).Inc()
	}
}

// RecordRefresh records one snapshot refresh.
func (m *Metrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(status(err)).Inc()
}

// RecordLedgerOp records one ledger operation.
func (m *Metrics) RecordLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, status(err)).Inc()
}

// RecordWSMessage increments the wake-up frame counter.
func (m *Metrics) RecordWSMessage() {
	if m == nil {
		return
	}
	m.WSMessages.Inc()
}

// RecordWSReconnect increments the reconnect counter.
func (m *Metrics) RecordWSReconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

// RecordAuditError increments the audit write error counter.
func (m *Metrics) RecordAuditError() {
	if m == nil {
		return
	}
	m.AuditWriteErrors.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
