// Package metrics exposes prometheus collectors for the build cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache tiers used as the "tier" label.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Build results used as the "result" label.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the cache collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	hits          *prometheus.CounterVec
	misses        prometheus.Counter
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	rebuilds      *prometheus.CounterVec
	persistErrors prometheus.Counter
	assets        prometheus.Gauge
}

// New creates and registers the cache collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "cache_hits_total",
			Help:      "Requests answered from a cache tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "cache_misses_total",
			Help:      "Requests that missed both tiers and compiled.",
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "builds_total",
			Help:      "Compiles by result.",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pagecache",
			Name:      "build_duration_seconds",
			Help:      "Compile duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "rebuilds_total",
			Help:      "Watcher-triggered rebuilds by result.",
		}, []string{"result"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "persist_errors_total",
			Help:      "Failed writes or deletes on the disk tier.",
		}),
		assets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagecache",
			Name:      "assets",
			Help:      "Side-assets in the asset table.",
		}),
	}

	m.registry.MustRegister(
		m.hits, m.misses, m.builds, m.buildDuration, m.rebuilds, m.persistErrors, m.assets,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hit records a hit on tier.
func (m *Metrics) Hit(tier string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(tier).Inc()
}

// Miss records a request that had to compile.
func (m *Metrics) Miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

// Build records one compile.
func (m *Metrics) Build(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(result(ok)).Inc()
	m.buildDuration.Observe(d.Seconds())
}

// Rebuild records one watcher-triggered rebuild.
func (m *Metrics) Rebuild(ok bool) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(result(ok)).Inc()
}

// PersistError records a failed disk write or delete.
func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

// SetAssets records the asset table size.
func (m *Metrics) SetAssets(n int) {
	if m == nil {
		return
	}
	m.assets.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
