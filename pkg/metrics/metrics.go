// Package metrics defines the Prometheus collectors for the locator and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes used as the "outcome" label.
const (
	OutcomeMatched    = "matched"
	OutcomeNoMatch    = "no_match"
	OutcomeFetchError = "fetch_error"
)

// Metrics holds every collector the locator records into.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ResolutionsTotal     *prometheus.CounterVec
	ResolutionScore      prometheus.Histogram
	BikeFetchTotal       *prometheus.CounterVec
	BikeFetchDuration    prometheus.Histogram
	BikesReturned        prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	RateLimitedTotal     prometheus.Counter
	CatalogKeys          prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates the collectors on a caller-owned registry, which
// lets tests build more than one instance.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_resolutions_total",
				Help: "Location lookups by outcome (matched, no_match, fetch_error).",
			},
			[]string{"outcome"},
		),
		ResolutionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_resolution_score",
			Help:    "Weighted-ratio score of the best candidate per lookup.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
		}),
		BikeFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bike_fetch_total",
				Help: "Upstream availability requests by status (ok, error, malformed, circuit_open).",
			},
			[]string{"status"},
		),
		BikeFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bike_fetch_duration_seconds",
			Help:    "Upstream availability request latency including retries.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BikesReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikes_returned",
			Help:    "Number of bikes reported per successful lookup.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bike_cache_hits_total",
			Help: "Availability lookups served from cache.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bike_cache_misses_total",
			Help: "Availability lookups that went upstream.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),
		CatalogKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_searchable_keys",
			Help: "Unique names and aliases in the search index.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ResolutionsTotal,
		m.ResolutionScore,
		m.BikeFetchTotal,
		m.BikeFetchDuration,
		m.BikesReturned,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RateLimitedTotal,
		m.CatalogKeys,
		m.CircuitBreakerState,
	)
	return m
}

// Handler returns the scrape handler for the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
