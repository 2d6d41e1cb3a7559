// Package metrics exposes Prometheus metrics for the tile server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildInfo labels the running binary.
type BuildInfo struct {
	Version  string
	Revision string
}

// Provider owns a private registry so tests can run side by side without
// global-registry collisions.
type Provider struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	tilesServed   *prometheus.CounterVec
	tileDuration  *prometheus.HistogramVec
	cacheResults  *prometheus.CounterVec
	upstreamReads *prometheus.CounterVec
	upstreamBytes prometheus.Counter
	analyticsOps  *prometheus.CounterVec
	probeResults  *prometheus.CounterVec
}

func Init(build BuildInfo) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geobase_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision"},
	)
	reg.MustRegister(buildInfo)
	if build.Version == "" {
		build.Version = "dev"
	}
	buildInfo.WithLabelValues(build.Version, build.Revision).Set(1)

	p := &Provider{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geobase_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method", "route"},
		),
		tilesServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_tiles_served_total",
				Help: "Tiles served by tileset kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		tileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geobase_tile_render_duration_seconds",
				Help:    "Tile render/fetch duration in seconds by kind.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"kind"},
		),
		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_cache_results_total",
				Help: "Cache lookups by cache name and outcome.",
			},
			[]string{"cache", "outcome"},
		),
		upstreamReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_upstream_reads_total",
				Help: "Ranged upstream reads by scheme and outcome.",
			},
			[]string{"scheme", "outcome"},
		),
		upstreamBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "geobase_upstream_read_bytes_total",
				Help: "Bytes fetched from upstream sources.",
			},
		),
		analyticsOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_analytics_operations_total",
				Help: "Analytics operations by name and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geobase_probe_results_total",
				Help: "Datasource probe results by status.",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(
		p.httpRequests, p.httpDuration,
		p.tilesServed, p.tileDuration,
		p.cacheResults,
		p.upstreamReads, p.upstreamBytes,
		p.analyticsOps, p.probeResults,
	)
	return p
}

// Handler serves the registry in the standard exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Registerer exposes the private registry for ad-hoc collectors.
func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

func (p *Provider) ObserveHTTP(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (p *Provider) ObserveTile(kind, outcome string, d time.Duration) {
	p.tilesServed.WithLabelValues(kind, outcome).Inc()
	p.tileDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Provider) IncCache(cache, outcome string) {
	p.cacheResults.WithLabelValues(cache, outcome).Inc()
}

func (p *Provider) ObserveUpstreamRead(scheme, outcome string, bytes int) {
	p.upstreamReads.WithLabelValues(scheme, outcome).Inc()
	if bytes > 0 {
		p.upstreamBytes.Add(float64(bytes))
	}
}

func (p *Provider) IncAnalytics(operation, outcome string) {
	p.analyticsOps.WithLabelValues(operation, outcome).Inc()
}

func (p *Provider) IncProbe(status string) {
	p.probeResults.WithLabelValues(status).Inc()
}
