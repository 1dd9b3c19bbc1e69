// Package metrics exposes gateway counters in Prometheus format and rolls
// them up into hourly rows for cheap dashboard queries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's instrument set, backed by its own registry so
// tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RateLimited     prometheus.Counter
	Webhooks        *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	WSClients       *prometheus.GaugeVec
}

// New creates the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_requests_total",
			Help: "HTTP requests handled, by route and status class.",
		}, []string{"route", "status"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_webhooks_total",
			Help: "Webhooks received, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		DispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshgate_dispatch_latency_seconds",
			Help:    "Backend dispatch latency, by org.",
			Buckets: prometheus.DefBuckets,
		}, []string{"org"}),
		WSClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshgate_ws_clients",
			Help: "Connected WebSocket clients, by room.",
		}, []string{"room"}),
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FamilyTotal is the flattened view the rollup consumes: one summed value
// per metric family.
type FamilyTotal struct {
	Name  string
	Total float64
}

// Totals sums every family in the registry. Counters and gauges sum their
// values; histograms sum their sample counts.
func (m *Metrics) Totals() ([]FamilyTotal, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := make([]FamilyTotal, 0, len(families))
	for _, f := range families {
		total := 0.0
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out = append(out, FamilyTotal{Name: f.GetName(), Total: total})
	}
	return out, nil
}
