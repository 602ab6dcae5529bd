// Package metrics exposes Prometheus counters for the claim workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "instoredealz"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry      *prometheus.Registry
	claims        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	completions   *prometheus.CounterVec
	pinAttempts   *prometheus.CounterVec
	savings       prometheus.Counter
	requests      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim requests by outcome.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Claim verifications by method and outcome.",
		}, []string{"method", "result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Transaction completions by outcome.",
		}, []string{"result"}),
		pinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_attempts_total",
			Help:      "PIN entries by outcome.",
		}, []string{"result"}),
		savings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_savings_total",
			Help:      "Sum of recorded customer savings.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.claims, m.verifications, m.completions, m.pinAttempts,
		m.savings, m.requests, m.durations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) Verification(method, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(method, result).Inc()
}

func (m *Metrics) Completion(result string, savings decimal.Decimal) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Inc()
	if result == "ok" && savings.IsPositive() {
		m.savings.Add(savings.InexactFloat64())
	}
}

func (m *Metrics) PINAttempt(result string) {
	if m == nil {
		return
	}
	m.pinAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Request(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.durations.WithLabelValues(route, method).Observe(seconds)
}
