package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the estimator, the dispatcher
// and the portfolio aggregator. A nil *Metrics is a valid no-op.
type Metrics struct {
	estimateFallbacks *prometheus.CounterVec
	estimates         *prometheus.CounterVec
	sends             *prometheus.CounterVec
	readDuration      *prometheus.HistogramVec
	priceFetches      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		estimateFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisend",
			Name:      "gas_estimate_fallbacks_total",
			Help:      "Gas estimation calls that failed and were replaced by a fallback value.",
		}, []string{"kind"}),
		estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisend",
			Name:      "gas_estimates_total",
			Help:      "Gas estimation runs by outcome.",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisend",
			Name:      "sends_total",
			Help:      "Per-recipient send outcomes by strategy.",
		}, []string{"strategy", "status"}),
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "multisend",
			Name:      "read_duration_seconds",
			Help:      "Wall-clock duration of a full portfolio read by strategy.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"strategy"}),
		priceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multisend",
			Name:      "price_fetches_total",
			Help:      "Price feed requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.estimateFallbacks, m.estimates, m.sends, m.readDuration, m.priceFetches)
	}
	return m
}

func (m *Metrics) EstimateFallback(kind string) {
	if m == nil {
		return
	}
	m.estimateFallbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) Estimate(outcome string) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Send(strategy, status string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(strategy, status).Inc()
}

func (m *Metrics) ObserveRead(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.readDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) PriceFetch(outcome string) {
	if m == nil {
		return
	}
	m.priceFetches.WithLabelValues(outcome).Inc()
}
