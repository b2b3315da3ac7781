// Package metrics holds the prometheus collectors of the blog service.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blog_service"

type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	cacheErrors    *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	dualWriteCompensations prometheus.Counter

	ingestPublished *prometheus.CounterVec
	ingestProcessed *prometheus.CounterVec
	consumerState   *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Post cache lookups by result (hit, miss, partial)",
		}, []string{"result"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache operations that failed and fell back to the database",
		}, []string{"op"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ledger_evictions_total",
			Help:      "Keys evicted by the LRU ledger",
		}),
		dualWriteCompensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dual_write_compensations_total",
			Help:      "Cache invalidations issued after a failed database insert",
		}),
		ingestPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_published_total",
			Help:      "Post creation events published, by status",
		}, []string{"status"}),
		ingestProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_processed_total",
			Help:      "Post creation events consumed, by outcome",
		}, []string{"outcome"}),
		consumerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_consumer_state",
			Help:      "1 for the state the ingestion consumer is currently in",
		}, []string{"state"}),
	}
	registry.MustRegister(
		m.cacheLookups,
		m.cacheErrors,
		m.cacheEvictions,
		m.dualWriteCompensations,
		m.ingestPublished,
		m.ingestProcessed,
		m.consumerState,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

func (m *Metrics) DualWriteCompensated() {
	if m == nil {
		return
	}
	m.dualWriteCompensations.Inc()
}

func (m *Metrics) Published(status string) {
	if m == nil {
		return
	}
	m.ingestPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) Processed(outcome string) {
	if m == nil {
		return
	}
	m.ingestProcessed.WithLabelValues(outcome).Inc()
}

// ConsumerState flips the gauge so only the current state reads 1.
func (m *Metrics) ConsumerState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.consumerState.WithLabelValues(s).Set(v)
	}
}
