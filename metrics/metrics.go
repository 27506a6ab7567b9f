// Package metrics bundles the prometheus instruments for each process.
// The JSON /stats surfaces are served from plain atomic counters owned by
// the components; the bundles here mirror those counts for scrapers.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a prometheus registry preloaded with the process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// EchoHandler adapts the promhttp scrape handler to an echo route.
func EchoHandler(reg *prometheus.Registry) echo.HandlerFunc {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// RegistryMetrics are the instruments of the registry core.
type RegistryMetrics struct {
	Registrations     prometheus.Counter
	Heartbeats        prometheus.Counter
	StaleEvictions    prometheus.Counter
	CapacityEvictions prometheus.Counter
	Services          prometheus.Gauge
	Instances         prometheus.Gauge
}

// NewRegistryMetrics registers and returns the registry instruments.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "registrations_total",
			Help: "Total register calls accepted.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "heartbeats_total",
			Help: "Total heartbeat calls accepted.",
		}),
		StaleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "stale_evictions_total",
			Help: "Instances removed by the liveness sweep.",
		}),
		CapacityEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "capacity_evictions_total",
			Help: "Instances evicted to make room under the per-service cap.",
		}),
		Services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "services",
			Help: "Service names currently known.",
		}),
		Instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmesh", Subsystem: "registry", Name: "instances",
			Help: "Instances currently registered.",
		}),
	}
	reg.MustRegister(m.Registrations, m.Heartbeats, m.StaleEvictions, m.CapacityEvictions, m.Services, m.Instances)
	return m
}

// DNSMetrics are the instruments of the DNS front-end.
type DNSMetrics struct {
	Queries         *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ExpiredFallback prometheus.Counter
	NXDomain        prometheus.Counter
	NotImplemented  prometheus.Counter
}

// NewDNSMetrics registers and returns the DNS front-end instruments.
func NewDNSMetrics(reg prometheus.Registerer) *DNSMetrics {
	m := &DNSMetrics{
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "queries_total",
			Help: "DNS queries by record type.",
		}, []string{"qtype"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "cache_hits_total",
			Help: "Fresh cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "cache_misses_total",
			Help: "Cache misses that reached the registry.",
		}),
		ExpiredFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "expired_fallback_total",
			Help: "Expired cache entries served because the registry was unavailable.",
		}),
		NXDomain: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "nxdomain_total",
			Help: "Queries answered NXDOMAIN.",
		}),
		NotImplemented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "dns", Name: "notimp_total",
			Help: "Queries answered NOTIMP.",
		}),
	}
	reg.MustRegister(m.Queries, m.CacheHits, m.CacheMisses, m.ExpiredFallback, m.NXDomain, m.NotImplemented)
	return m
}

// GatewayMetrics are the instruments of the gateway dispatcher.
type GatewayMetrics struct {
	Requests  *prometheus.CounterVec
	Duration  prometheus.Histogram
	InFlight  prometheus.Gauge
	StaleUses prometheus.Counter
}

// NewGatewayMetrics registers and returns the gateway instruments.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "gateway", Name: "requests_total",
			Help: "Dispatched requests by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localmesh", Subsystem: "gateway", Name: "request_duration_seconds",
			Help:    "End-to-end dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmesh", Subsystem: "gateway", Name: "inflight_requests",
			Help: "Requests currently being forwarded.",
		}),
		StaleUses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmesh", Subsystem: "gateway", Name: "resolver_stale_uses_total",
			Help: "Expired resolver cache entries served as a last resort.",
		}),
	}
	reg.MustRegister(m.Requests, m.Duration, m.InFlight, m.StaleUses)
	return m
}
