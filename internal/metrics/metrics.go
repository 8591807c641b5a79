// Package metrics provides Prometheus metrics for the relay server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relay_server"
)

// Metrics contains all Prometheus metrics for the relay server.
type Metrics struct {
	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsPending   prometheus.Gauge
	SessionsAllocated prometheus.Counter
	SessionsReleased  prometheus.Counter
	SessionsExpired   prometheus.Counter
	SessionRefreshes  prometheus.Counter
	SlotBinds         prometheus.Counter
	SlotRebinds       prometheus.Counter

	// Control plane metrics
	ControlConnections      prometheus.Gauge
	ControlConnectionsTotal prometheus.Counter
	ControlRequests         *prometheus.CounterVec
	ControlErrors           *prometheus.CounterVec
	ControlRequestLatency   prometheus.Histogram

	// Data plane metrics
	DatagramsForwarded prometheus.Counter
	DatagramsDropped   *prometheus.CounterVec
	BytesForwarded     prometheus.Counter

	// Reaper metrics
	SweepsTotal   prometheus.Counter
	SweepDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with the
// given registry. Useful for tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with both slots bound",
		}),
		SessionsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_pending",
			Help:      "Number of allocated sessions awaiting slot binds",
		}),
		SessionsAllocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_allocated_total",
			Help:      "Total number of sessions allocated",
		}),
		SessionsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Total number of sessions released by clients",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions reclaimed after lease expiry",
		}),
		SessionRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Total number of successful lease refreshes",
		}),
		SlotBinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_binds_total",
			Help:      "Total number of slot address binds",
		}),
		SlotRebinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_rebinds_total",
			Help:      "Total number of slot address rebinds in mobile mode",
		}),

		// Control plane metrics
		ControlConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections",
			Help:      "Number of currently open control connections",
		}),
		ControlConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_connections_total",
			Help:      "Total control connections accepted",
		}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total control requests by type",
		}, []string{"type"}),
		ControlErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_errors_total",
			Help:      "Total control error responses by code",
		}, []string{"code"}),
		ControlRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_latency_seconds",
			Help:      "Histogram of control request handling latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		// Data plane metrics
		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded to the counterpart slot",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded",
		}),

		// Reaper metrics
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total reaper sweeps executed",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Histogram of reaper sweep duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
	}

	return m
}

// Drop reasons for DatagramsDropped.
const (
	DropMalformed   = "malformed"
	DropUnknown     = "unknown_session"
	DropBadTag      = "bad_tag"
	DropNotActive   = "not_active"
	DropPinned      = "pinned_addr"
	DropRateLimited = "rate_limited"
	DropOversize    = "oversize"
	DropWriteError  = "write_error"
)

// Helper methods for common operations

// RecordAllocate increments allocation counters.
func (m *Metrics) RecordAllocate() {
	m.SessionsAllocated.Inc()
}

// RecordRelease increments the release counter.
func (m *Metrics) RecordRelease() {
	m.SessionsReleased.Inc()
}

// RecordExpired adds expired sessions reclaimed by a sweep.
func (m *Metrics) RecordExpired(count int) {
	m.SessionsExpired.Add(float64(count))
}

// RecordRefresh increments the refresh counter.
func (m *Metrics) RecordRefresh() {
	m.SessionRefreshes.Inc()
}

// RecordBind records a slot bind, distinguishing rebinds.
func (m *Metrics) RecordBind(rebound bool) {
	m.SlotBinds.Inc()
	if rebound {
		m.SlotRebinds.Inc()
	}
}

// SetSessionCounts updates the session state gauges.
func (m *Metrics) SetSessionCounts(pending, active int) {
	m.SessionsPending.Set(float64(pending))
	m.SessionsActive.Set(float64(active))
}

// RecordControlConnect tracks a new control connection.
func (m *Metrics) RecordControlConnect() {
	m.ControlConnections.Inc()
	m.ControlConnectionsTotal.Inc()
}

// RecordControlDisconnect tracks a closed control connection.
func (m *Metrics) RecordControlDisconnect() {
	m.ControlConnections.Dec()
}

// RecordControlRequest records a handled control request.
func (m *Metrics) RecordControlRequest(requestType string, latencySeconds float64) {
	m.ControlRequests.WithLabelValues(requestType).Inc()
	m.ControlRequestLatency.Observe(latencySeconds)
}

// RecordControlError records an error response.
func (m *Metrics) RecordControlError(code string) {
	m.ControlErrors.WithLabelValues(code).Inc()
}

// RecordForward records a forwarded datagram.
func (m *Metrics) RecordForward(payloadBytes int) {
	m.DatagramsForwarded.Inc()
	m.BytesForwarded.Add(float64(payloadBytes))
}

// RecordDrop records a dropped datagram by reason.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordSweep records a completed reaper sweep.
func (m *Metrics) RecordSweep(durationSeconds float64) {
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(durationSeconds)
}
