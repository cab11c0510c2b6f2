package completeness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	checks   *prometheus.CounterVec
	repairs  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the completeness collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "account",
			Subsystem: "completeness",
			Name:      "checks_total",
			Help:      "Completeness checks by outcome.",
		}, []string{"outcome"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "account",
			Subsystem: "completeness",
			Name:      "repair_steps_total",
			Help:      "Repair steps by table and status.",
		}, []string{"table", "status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "account",
			Subsystem: "completeness",
			Name:      "ensure_duration_seconds",
			Help:      "Time spent checking and repairing one user.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observe(outcome string, steps []Step, seconds float64) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
	for _, s := range steps {
		if s.Status == StepCreated || s.Status == StepFailed {
			m.repairs.WithLabelValues(string(s.Table), string(s.Status)).Inc()
		}
	}
	if outcome != ActionThrottled {
		m.duration.Observe(seconds)
	}
}
