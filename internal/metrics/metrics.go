// Package metrics exposes the indexer's state in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chirp-indexer/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chirp_indexer"

// StatsSource returns a fresh snapshot of the indexer
type StatsSource func() service.Stats

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New registers the indexer collector, the HTTP instruments and the Go
// runtime collectors
func New(source StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		newIndexerCollector(source),
		m.requests,
		m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served request
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// indexerCollector reads one stats snapshot per scrape
type indexerCollector struct {
	source StatsSource

	ready        *prometheus.Desc
	nextID       *prometheus.Desc
	records      *prometheus.Desc
	authors      *prometheus.Desc
	replies      *prometheus.Desc
	running      *prometheus.Desc
	pending      *prometheus.Desc
	events       *prometheus.Desc
	resubscribes *prometheus.Desc
	checks       *prometheus.Desc
}

func newIndexerCollector(source StatsSource) *indexerCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &indexerCollector{
		source:       source,
		ready:        desc("ready", "1 once the initial backfill has completed."),
		nextID:       desc("next_id", "Next unassigned chirp ID."),
		records:      desc("records", "Chirps held in the mirror."),
		authors:      desc("authors", "Distinct authors in the mirror."),
		replies:      desc("replies", "Chirps that reply to another chirp."),
		running:      desc("listener_running", "1 while the live event listener runs."),
		pending:      desc("listener_pending_events", "Events buffered but not yet applied."),
		events:       desc("listener_events_total", "Live events by outcome.", "outcome"),
		resubscribes: desc("listener_resubscribes_total", "Event subscriptions re-established."),
		checks:       desc("consistency_checks_total", "Consistency checks by result.", "result"),
	}
}

func (c *indexerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ready, c.nextID, c.records, c.authors, c.replies,
		c.running, c.pending, c.events, c.resubscribes, c.checks,
	} {
		ch <- d
	}
}

func (c *indexerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.ready, boolValue(stats.Ready))
	gauge(c.nextID, float64(stats.Store.NextID))
	gauge(c.records, float64(stats.Store.Records))
	gauge(c.authors, float64(stats.Store.Authors))
	gauge(c.replies, float64(stats.Store.Replies))

	l := stats.Listener
	gauge(c.running, boolValue(l.Running))
	gauge(c.pending, float64(l.Pending))
	counter(c.events, float64(l.Received), "received")
	counter(c.events, float64(l.Applied), "applied")
	counter(c.events, float64(l.Failed), "failed")
	counter(c.events, float64(l.Ignored), "ignored")
	counter(c.events, float64(l.Discarded), "discarded")
	counter(c.resubscribes, float64(l.Resubscribes))

	cs := stats.Checks
	counter(c.checks, float64(cs.ConsistentChecks), "consistent")
	counter(c.checks, float64(cs.InconsistentChecks), "inconsistent")
	counter(c.checks, float64(cs.FailedChecks), "failed")
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
