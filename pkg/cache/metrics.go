package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a CachedBackend's per-method counters as Prometheus
// metrics. It is not registered anywhere by default; callers register it on
// the registry of their choice:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(cache.NewCollector(cached))
type Collector struct {
	cb *CachedBackend

	hits   *prometheus.Desc
	misses *prometheus.Desc
	size   *prometheus.Desc
}

// NewCollector builds a collector reading from cb at gather time.
func NewCollector(cb *CachedBackend) *Collector {
	return &Collector{
		cb: cb,
		hits: prometheus.NewDesc(
			"polygraph_cache_hits_total",
			"Cache hits per backend method.",
			[]string{"method"}, nil,
		),
		misses: prometheus.NewDesc(
			"polygraph_cache_misses_total",
			"Cache misses per backend method.",
			[]string{"method"}, nil,
		),
		size: prometheus.NewDesc(
			"polygraph_cache_entries",
			"Current cached entries per backend method.",
			[]string{"method"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.size
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for method, stats := range c.cb.CacheInfo() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits), method)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses), method)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size), method)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
