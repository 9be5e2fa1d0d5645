package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for security audit tracking.
type Metrics struct {
	EventsEmitted   prometheus.Counter
	Dropped         prometheus.Counter
	PersistFailures prometheus.Counter
	BufferDepth     prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with security audit metrics registered.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_audit_security_emitted_total",
			Help: "Total number of security audit events accepted for publishing",
		}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_audit_security_dropped_total",
			Help: "Total number of security audit events dropped due to a full buffer",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_audit_security_persist_failures_total",
			Help: "Total number of security audit event persistence failures",
		}),
		BufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "authd_audit_security_buffer_depth",
			Help: "Current number of security audit events waiting in the ring buffer",
		}),
	}
}

// IncEventsEmitted increments the emitted counter.
func (m *Metrics) IncEventsEmitted() {
	m.EventsEmitted.Inc()
}

// AddDropped adds to the dropped counter.
func (m *Metrics) AddDropped(n float64) {
	m.Dropped.Add(n)
}

// IncPersistFailures increments the persist failures counter.
func (m *Metrics) IncPersistFailures() {
	m.PersistFailures.Inc()
}

// SetBufferDepth records the current buffer depth.
func (m *Metrics) SetBufferDepth(depth float64) {
	m.BufferDepth.Set(depth)
}
