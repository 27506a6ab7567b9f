package proxy

import (
	"sync/atomic"

	"localmesh/metrics"
)

// Stats is the counter surface of the gateway, served on /gateway/stats.
// Relayed downstream responses count as successful regardless of their
// status (the downstream outcome is the client's business); failed covers
// gateway-generated errors only.
type Stats struct {
	Total       int64 `json:"total"`
	Successful  int64 `json:"successful"`
	Failed      int64 `json:"failed"`
	AuthErrors  int64 `json:"authErrors"`
	DNSErrors   int64 `json:"dnsErrors"`
	ProxyErrors int64 `json:"proxyErrors"`
}

// statsBook accumulates the gateway counters and mirrors them into
// prometheus.
type statsBook struct {
	prom *metrics.GatewayMetrics

	total       atomic.Int64
	successful  atomic.Int64
	authErrors  atomic.Int64
	dnsErrors   atomic.Int64
	proxyErrors atomic.Int64
}

func newStatsBook(prom *metrics.GatewayMetrics) *statsBook {
	return &statsBook{prom: prom}
}

func (s *statsBook) request() { s.total.Add(1) }

func (s *statsBook) success() {
	s.successful.Add(1)
	s.prom.Requests.WithLabelValues("success").Inc()
}
func (s *statsBook) authError() {
	s.authErrors.Add(1)
	s.prom.Requests.WithLabelValues("auth_error").Inc()
}
func (s *statsBook) dnsError() {
	s.dnsErrors.Add(1)
	s.prom.Requests.WithLabelValues("dns_error").Inc()
}
func (s *statsBook) proxyError() {
	s.proxyErrors.Add(1)
	s.prom.Requests.WithLabelValues("proxy_error").Inc()
}

func (s *statsBook) snapshot() Stats {
	auth := s.authErrors.Load()
	dns := s.dnsErrors.Load()
	proxy := s.proxyErrors.Load()
	return Stats{
		Total:       s.total.Load(),
		Successful:  s.successful.Load(),
		Failed:      auth + dns + proxy,
		AuthErrors:  auth,
		DNSErrors:   dns,
		ProxyErrors: proxy,
	}
}
