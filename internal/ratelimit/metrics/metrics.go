package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Admitted  prometheus.Counter
	Denied    prometheus.Counter
	Errored   prometheus.Counter
	AcquireMs prometheus.Histogram
	Remaining *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		Admitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_ratelimit_admitted_total",
			Help: "Total number of acquisitions admitted by the sliding-window limiter",
		}),
		Denied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_ratelimit_denied_total",
			Help: "Total number of acquisitions denied by the sliding-window limiter",
		}),
		Errored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_ratelimit_check_error_total",
			Help: "Total number of limiter checks that failed against the store",
		}),
		AcquireMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "authd_ratelimit_acquire_duration_ms",
			Help:    "Latency of limiter acquisitions in milliseconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 200},
		}),
		Remaining: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authd_ratelimit_remaining",
			Help: "Approximate remaining acquisitions for well-known keys",
		}, []string{"key"}),
	}
}

func (m *Metrics) ObserveAcquire(allowed bool, durationMs float64) {
	m.AcquireMs.Observe(durationMs)
	if allowed {
		m.Admitted.Inc()
	} else {
		m.Denied.Inc()
	}
}

func (m *Metrics) IncrementErrors() {
	m.Errored.Inc()
}

// SetRemaining records the remaining gauge for a well-known (low
// cardinality) key such as captcha:global. Per-IP and per-user keys must not
// be fed here.
func (m *Metrics) SetRemaining(key string, remaining int) {
	if remaining < 0 {
		return
	}
	m.Remaining.WithLabelValues(key).Set(float64(remaining))
}
