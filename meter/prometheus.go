package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/keyrouter"
)

// PrometheusMeter exports selection and consumption counters.
type PrometheusMeter struct {
	selections *prometheus.CounterVec
	exhausted  *prometheus.CounterVec
	selectTime *prometheus.HistogramVec
	requests   *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

var _ keyrouter.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the meter's collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMeter{
		selections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrouter_selections_total",
				Help: "Keys handed out per resource",
			},
			[]string{"resource", "key"},
		),
		exhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrouter_exhausted_total",
				Help: "Selections that found every key at or past a limit",
			},
			[]string{"resource"},
		),
		selectTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrouter_select_duration_seconds",
				Help:    "Time spent reading usage and scoring candidates",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"resource"},
		),
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrouter_recorded_requests_total",
				Help: "Requests recorded against keys",
			},
			[]string{"resource", "key"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrouter_recorded_tokens_total",
				Help: "Tokens recorded against keys",
			},
			[]string{"resource", "key"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrouter_failures_total",
				Help: "Failed selections, upstream calls and recordings",
			},
			[]string{"resource", "stage"},
		),
	}
}

func (m *PrometheusMeter) OnSelect(e keyrouter.SelectEvent) {
	m.selectTime.WithLabelValues(e.Resource).Observe(e.Duration.Seconds())
	switch {
	case e.Error == nil:
		m.selections.WithLabelValues(e.Resource, e.KeyID).Inc()
	case errors.Is(e.Error, keyrouter.ErrExhausted):
		m.exhausted.WithLabelValues(e.Resource).Inc()
	default:
		m.failures.WithLabelValues(e.Resource, "select").Inc()
	}
}

func (m *PrometheusMeter) OnRecord(e keyrouter.RecordEvent) {
	if !e.Success {
		m.failures.WithLabelValues(e.Resource, "record").Inc()
		return
	}
	m.requests.WithLabelValues(e.Resource, e.KeyID).Inc()
	m.tokens.WithLabelValues(e.Resource, e.KeyID).Add(float64(e.Tokens))
}
