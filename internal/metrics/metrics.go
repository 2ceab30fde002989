package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	StreamChunks   *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	RateLimited    prometheus.Counter
	ContextEntries prometheus.Gauge
	TokensDeducted prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptgate_requests_total",
			Help: "Total requests routed through promptgate",
		}, []string{"endpoint", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptgate_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"endpoint", "provider"}),
		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptgate_stream_chunks_total",
			Help: "SSE content chunks forwarded to clients",
		}, []string{"provider"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptgate_provider_errors_total",
			Help: "Classified provider errors",
		}, []string{"provider", "kind"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		ContextEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptgate_context_entries",
			Help: "Document contexts currently held in memory",
		}),
		TokensDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptgate_tokens_deducted_total",
			Help: "Tokens scheduled for deduction against the accounting service",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.StreamChunks,
		m.ProviderErrors, m.RateLimited, m.ContextEntries, m.TokensDeducted)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
