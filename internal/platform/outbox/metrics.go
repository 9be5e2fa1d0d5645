package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for outbox relay tracking.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	Pending         prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with outbox metrics registered.
func NewMetrics() *Metrics {
	return &Metrics{
		Published: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_outbox_published_total",
			Help: "Total number of outbox rows published to Kafka",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_outbox_publish_failures_total",
			Help: "Total number of outbox relay batch failures",
		}),
		Pending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "authd_outbox_pending",
			Help: "Current number of unpublished outbox rows",
		}),
	}
}

// IncPublished increments the published counter.
func (m *Metrics) IncPublished() {
	m.Published.Inc()
}

// IncPublishFailures increments the failure counter.
func (m *Metrics) IncPublishFailures() {
	m.PublishFailures.Inc()
}

// SetPending records the current backlog size.
func (m *Metrics) SetPending(n float64) {
	m.Pending.Set(n)
}
