package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics turns events into Prometheus series.
type Metrics struct {
	Events       *prometheus.CounterVec // uploadgate_events_total{type,provider}
	RetryDelay   prometheus.Histogram   // uploadgate_retry_delay_seconds
	BreakerState *prometheus.GaugeVec   // uploadgate_breaker_state{provider}: 0 closed, 1 half_open, 2 open
}

// NewMetrics registers the collectors on registry (the default registerer
// when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uploadgate_events_total",
			Help: "Orchestrator events by type and provider",
		}, []string{"type", "provider"}),
		RetryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "uploadgate_retry_delay_seconds",
			Help:    "Backoff delay chosen before a retry",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uploadgate_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half_open, 2 open)",
		}, []string{"provider"}),
	}
}

func (m *Metrics) Emit(_ context.Context, e Event) {
	m.Events.WithLabelValues(string(e.Type), e.Provider).Inc()
	switch e.Type {
	case RetryScheduled:
		m.RetryDelay.Observe(e.Delay.Seconds())
	case BreakerTransition:
		m.BreakerState.WithLabelValues(e.Provider).Set(breakerGauge(e.To))
	}
}

func breakerGauge(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
