// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkrelay"

// Metrics bundles the daemon's collectors around one private registry.
type Metrics struct {
	registry *prom.Registry

	RequestsTotal   *prom.CounterVec
	ErrorsTotal     *prom.CounterVec
	SessionsExpired prom.Counter
	StageDuration   *prom.HistogramVec
}

// New builds the registry. activeRuns and activeSessions are sampled at
// scrape time so the gauges can never drift from the schedulers' own counts.
func New(activeRuns, activeSessions func() float64) *Metrics {
	m := &Metrics{
		registry: prom.NewRegistry(),
		RequestsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "RPC requests handled, by method.",
		}, []string{"method"}),
		ErrorsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "request_errors_total",
			Help: "Failed RPC requests, by method and wire error code.",
		}, []string{"method", "code"}),
		SessionsExpired: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace, Name: "sessions_expired_total",
			Help: "Sessions terminated by expire or idle timeout.",
		}),
		StageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace, Name: "analysis_stage_duration_seconds",
			Help:    "Wall time of whole-program analysis stages.",
			Buckets: prom.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}

	m.registry.MustRegister(m.RequestsTotal, m.ErrorsTotal, m.SessionsExpired, m.StageDuration)
	m.registry.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: namespace, Name: "active_runs",
		Help: "Currently locked run names.",
	}, activeRuns))
	m.registry.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: namespace, Name: "active_sessions",
		Help: "Live (non-expired) sessions.",
	}, activeSessions))
	m.registry.MustRegister(
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
