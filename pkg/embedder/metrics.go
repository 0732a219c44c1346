package embedder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus counters for embedding provider usage.
//
// Metrics:
//   - tutorrag_embedding_tokens_total{model}
//   - tutorrag_embedding_requests_total{model}
//   - tutorrag_embedding_cost_usd_total{model}
//   - tutorrag_embedding_errors_total{model}
type Metrics struct {
	Tokens   *prometheus.CounterVec
	Requests *prometheus.CounterVec
	Cost     *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorrag_embedding_tokens_total",
			Help: "Tokens sent to the embedding provider",
		}, []string{"model"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorrag_embedding_requests_total",
			Help: "Successful embedding requests",
		}, []string{"model"}),
		Cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorrag_embedding_cost_usd_total",
			Help: "Estimated embedding spend in USD",
		}, []string{"model"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorrag_embedding_errors_total",
			Help: "Failed or rejected embedding requests",
		}, []string{"model"}),
	}
}

func (m *Metrics) observe(model string, tokens int, cost float64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(model).Add(float64(tokens))
	m.Requests.WithLabelValues(model).Inc()
	m.Cost.WithLabelValues(model).Add(cost)
}

func (m *Metrics) failed(model string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(model).Inc()
}
