package cascade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts cascade terminations
type Metrics struct {
	Terminations *prometheus.CounterVec
	Degraded     prometheus.Counter
}

// NewMetrics creates the cascade counters on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Terminations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorrag_cascade_terminations_total",
			Help: "Questions answered, by the stage that terminated the cascade.",
		}, []string{"stage"}),
		Degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "tutorrag_cascade_degraded_total",
			Help: "Questions where every stage failed.",
		}),
	}
}

func (m *Metrics) terminated(s Stage, degraded bool) {
	if m == nil {
		return
	}
	m.Terminations.WithLabelValues(s.String()).Inc()
	if degraded {
		m.Degraded.Inc()
	}
}
