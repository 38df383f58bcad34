// Package metrics is the event plane's injected metrics sink (spec §1
// "Out of scope: metrics scraping endpoint shape... the event plane
// emits counters/gauges to an injected sink"). Registry implements
// that sink with Prometheus collectors, named after spec §7's
// "Observable counters" list, the way go-server's Metrics struct and
// go-server-3's metrics.Registry group collectors by concern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every Prometheus collector the event plane emits to.
type Registry struct {
	EventsPublished  prometheus.Counter
	EventsDelivered  prometheus.Counter
	EventsDropped    prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	RateLimitHits    prometheus.Counter
	RateLimitBlocks  prometheus.Counter
	TopicsActive     prometheus.Gauge
	SubscribersActive prometheus.Gauge

	PublishLatency           prometheus.Histogram
	SubscriptionSetupLatency prometheus.Histogram

	StoreBreakerOpen prometheus.Gauge
	ACLBreakerOpen   prometheus.Gauge

	Goroutines prometheus.Gauge
	MemoryRSS  prometheus.Gauge
	CPUPercent prometheus.Gauge
}

// New registers every collector against the default Prometheus
// registry, matching promauto's pattern used throughout the teacher.
func New() *Registry {
	return &Registry{
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_published_total",
			Help: "Total number of events successfully published.",
		}),
		EventsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_delivered_total",
			Help: "Total number of events delivered to a subscriber queue.",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Total number of envelopes dropped from a subscriber queue due to overflow.",
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total number of errors, by kind.",
		}, []string{"kind"}),
		RateLimitHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total number of rate limit checks performed.",
		}),
		RateLimitBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_blocks_total",
			Help: "Total number of requests denied by a rate limiter.",
		}),
		TopicsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_topics_active",
			Help: "Number of topics with at least one registered subscriber.",
		}),
		SubscribersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscribers_active",
			Help: "Number of currently registered subscribers across all topics.",
		}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_publish_latency_seconds",
			Help:    "Latency of the publish path end to end.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
		SubscriptionSetupLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_subscription_setup_latency_seconds",
			Help:    "Latency from subscribe request to registered+tailing.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		StoreBreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_store_circuit_open",
			Help: "1 if the store circuit breaker is open, 0 otherwise.",
		}),
		ACLBreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_acl_circuit_open",
			Help: "1 if the ACL-source circuit breaker is open, 0 otherwise.",
		}),
		Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_goroutines",
			Help: "Current number of goroutines.",
		}),
		MemoryRSS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_memory_rss_bytes",
			Help: "Resident memory usage in bytes.",
		}),
		CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cpu_percent",
			Help: "Smoothed system-wide CPU usage percentage.",
		}),
	}
}

// RecordError increments ErrorsTotal for the given kind.
func (r *Registry) RecordError(kind string) {
	r.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler exposes the default registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
