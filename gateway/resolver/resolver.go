// Package resolver is the gateway-side caching DNS consumer. It turns a
// service name into one (ip, port) endpoint by querying the DNS front-end
// for A and TXT records, with a local TTL cache and an expired-fallback path
// for DNS outages.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"localmesh/domain"
	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/metrics"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/miekg/dns"
	"gopkg.in/tomb.v2"
)

// Defaults for Config fields left at zero.
const (
	DefaultDNSAddr         = "127.0.0.1:8600"
	DefaultQueryTimeout    = 5 * time.Second
	DefaultServicePort     = 3000
	DefaultCleanupInterval = 60 * time.Second
)

// Config controls the resolver.
type Config struct {
	// DNSAddr is the host:port of the DNS front-end.
	DNSAddr string
	// QueryTimeout bounds each DNS exchange.
	QueryTimeout time.Duration
	// DefaultServicePort is used when the TXT companion record is missing or
	// unparseable.
	DefaultServicePort int
	// CleanupInterval is the period of the expired-entry sweeper.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DNSAddr == "" {
		c.DNSAddr = DefaultDNSAddr
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.DefaultServicePort == 0 {
		c.DefaultServicePort = DefaultServicePort
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

type cacheEntry struct {
	endpoint   domain.Endpoint
	insertedAt time.Time
	ttl        time.Duration
}

// exchangeFunc performs one DNS exchange. Swapped in tests.
type exchangeFunc func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)

// Resolver implements interfaces.Resolver. Construct with New, Start the
// cache sweeper, Stop on shutdown.
type Resolver struct {
	cfg      Config
	clock    interfaces.Clock
	logger   log.Logger
	prom     *metrics.GatewayMetrics
	exchange exchangeFunc

	mu      sync.Mutex
	entries map[string]cacheEntry

	t tomb.Tomb
}

// New creates a Resolver. Panics on nil clock, logger or prom.
func New(cfg Config, clock interfaces.Clock, logger log.Logger, prom *metrics.GatewayMetrics) *Resolver {
	cfg = cfg.withDefaults()
	client := &dns.Client{Net: "udp", Timeout: cfg.QueryTimeout}
	r := &Resolver{
		cfg:     cfg,
		clock:   helpers.NilPanic(clock, "resolver.resolver.go: clock is required"),
		logger:  log.WithPrefix(helpers.NilPanic(logger, "resolver.resolver.go: logger is required"), "component", "resolver"),
		prom:    helpers.NilPanic(prom, "resolver.resolver.go: metrics are required"),
		entries: make(map[string]cacheEntry),
	}
	r.exchange = func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
		resp, _, err := client.ExchangeContext(ctx, m, cfg.DNSAddr)
		return resp, err
	}
	return r
}

// Start launches the expired-entry sweeper.
func (r *Resolver) Start() {
	r.t.Go(r.cleanupLoop)
}

// Stop terminates the sweeper and waits for it.
func (r *Resolver) Stop() error {
	r.t.Kill(nil)
	return r.t.Wait()
}

// Resolve returns an endpoint for name. The lookup key is <name>.local
// regardless of whether the caller already appended the suffix. A fresh
// cache hit short-circuits; otherwise an A query picks the instance and a
// TXT companion supplies the port (DefaultServicePort when absent). On DNS
// failure an expired cache entry is returned as a logged last resort.
func (r *Resolver) Resolve(ctx context.Context, name string) (domain.Endpoint, error) {
	key := lookupKey(name)

	if ep, ok := r.freshHit(key); ok {
		return ep, nil
	}

	ip, ttl, err := r.queryA(ctx, key)
	if err != nil {
		if service.IsEntityNotFoundError(err) {
			return domain.Endpoint{}, err
		}
		if ep, ok := r.expiredHit(key); ok {
			r.prom.StaleUses.Inc()
			level.Warn(r.logger).Log("msg", "DNS unavailable, serving expired cache entry", "service", key, "err", err)
			return ep, nil
		}
		return domain.Endpoint{}, err
	}

	port := r.queryPort(ctx, key)
	if ttl < 1 {
		ttl = 1
	}
	ep := domain.Endpoint{IP: ip, Port: port, TTLSeconds: int(ttl)}
	r.mu.Lock()
	r.entries[key] = cacheEntry{endpoint: ep, insertedAt: r.clock.Now(), ttl: time.Duration(ttl) * time.Second}
	r.mu.Unlock()
	return ep, nil
}

// Healthy probes DNS connectivity with a throwaway A query. Any well-formed
// response, including NXDOMAIN, proves the front-end is reachable.
func (r *Resolver) Healthy(ctx context.Context) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("gateway-probe.local"), dns.TypeA)
	if _, err := r.exchange(ctx, m); err != nil {
		return service.NewUpstreamUnavailableError("DNS front-end is unreachable", err)
	}
	return nil
}

// CacheDump returns a snapshot of the cache, sorted by service name.
func (r *Resolver) CacheDump() []interfaces.CacheEntry {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]interfaces.CacheEntry, 0, len(r.entries))
	for key, entry := range r.entries {
		age := now.Sub(entry.insertedAt)
		out = append(out, interfaces.CacheEntry{
			Service:    key,
			IP:         entry.endpoint.IP,
			Port:       entry.endpoint.Port,
			TTLSeconds: entry.endpoint.TTLSeconds,
			AgeSeconds: int(age.Seconds()),
			Expired:    age >= entry.ttl,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Purge drops cache entries, all of them when svc is empty.
func (r *Resolver) Purge(svc string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc == "" {
		n := len(r.entries)
		r.entries = make(map[string]cacheEntry)
		return n
	}
	key := lookupKey(svc)
	if _, ok := r.entries[key]; ok {
		delete(r.entries, key)
		return 1
	}
	return 0
}

func (r *Resolver) freshHit(key string) (domain.Endpoint, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.Sub(entry.insertedAt) >= entry.ttl {
		return domain.Endpoint{}, false
	}
	return entry.endpoint, true
}

func (r *Resolver) expiredHit(key string) (domain.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return domain.Endpoint{}, false
	}
	return entry.endpoint, true
}

// queryA returns the IP and TTL of the A record for key, or an
// entity_not_found error when the front-end answered with no usable record,
// or an upstream_unavailable error on transport failure.
func (r *Resolver) queryA(ctx context.Context, key string) (string, uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(key), dns.TypeA)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return "", 0, service.NewUpstreamUnavailableError("DNS A query failed", err)
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), a.Hdr.Ttl, nil
		}
	}
	return "", 0, service.NewEntityNotFoundError(fmt.Sprintf("service %s not found in DNS", key), nil)
}

// queryPort parses port=<n> from the TXT companion record; missing record,
// transport failure or malformed data all fall back to DefaultServicePort.
func (r *Resolver) queryPort(ctx context.Context, key string) int {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(key), dns.TypeTXT)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		level.Warn(r.logger).Log("msg", "TXT query failed, using default port", "service", key, "err", err)
		return r.cfg.DefaultServicePort
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if !strings.HasPrefix(s, "port=") {
				continue
			}
			if port, convErr := strconv.Atoi(strings.TrimPrefix(s, "port=")); convErr == nil && port > 0 && port <= 65535 {
				return port
			}
		}
	}
	return r.cfg.DefaultServicePort
}

func (r *Resolver) cleanupLoop() error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.t.Dying():
			return nil
		}
	}
}

// cleanup drops entries past the fallback retention window (one TTL beyond
// expiry) to bound memory.
func (r *Resolver) cleanup() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if now.Sub(entry.insertedAt) >= 2*entry.ttl {
			delete(r.entries, key)
		}
	}
}

// lookupKey normalizes a service name to its fully-qualified lookup key:
// a trailing .local is stripped (if present) and appended back.
func lookupKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".local") + ".local"
}
