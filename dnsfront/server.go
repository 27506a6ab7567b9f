// Package dnsfront is the UDP DNS responder for the private .local
// namespace. It answers A and TXT questions by consulting the registry
// through its HTTP surface, with a short-TTL cache and an expired-fallback
// path for registry outages. Everything outside .local is NXDOMAIN; query
// types other than A and TXT are NOTIMP.
package dnsfront

import (
	"context"
	"fmt"
	"math/rand"
	"net"
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

const localSuffix = ".local"

// Defaults for Config fields left at zero.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8600
	DefaultAnswerTTL       = 30
	DefaultCacheTTL        = 10 * time.Second
	DefaultRegistryTimeout = 3 * time.Second
)

// Config controls the DNS front-end.
type Config struct {
	Host string
	Port int
	// AnswerTTL is the TTL, in seconds, stamped on A and TXT answers.
	AnswerTTL uint32
	// CacheTTL is the freshness window of the resolve cache.
	CacheTTL time.Duration
	// RegistryTimeout bounds each registry HTTP call.
	RegistryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AnswerTTL == 0 {
		c.AnswerTTL = DefaultAnswerTTL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RegistryTimeout <= 0 {
		c.RegistryTimeout = DefaultRegistryTimeout
	}
	return c
}

// Server is the DNS front-end. Construct with New, then Start; Stop shuts
// down the UDP listener and the cache janitor.
type Server struct {
	cfg      Config
	registry interfaces.RegistryClient
	cache    *Cache
	logger   log.Logger
	prom     *metrics.DNSMetrics

	// intn is the load-balancing pick, uniform by contract. Swapped in tests.
	intn func(n int) int

	pickMu   sync.Mutex
	lastPick map[string]domain.Instance // per-name pick pairing A and TXT answers

	srv *dns.Server
	t   tomb.Tomb
}

// New creates the Server. Panics on nil registry client, logger or prom.
func New(cfg Config, registry interfaces.RegistryClient, clock interfaces.Clock, logger log.Logger, prom *metrics.DNSMetrics) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		registry: helpers.NilPanic(registry, "dnsfront.server.go: registry client is required"),
		cache:    NewCache(cfg.CacheTTL, clock),
		logger:   log.WithPrefix(helpers.NilPanic(logger, "dnsfront.server.go: logger is required"), "component", "dnsfront"),
		prom:     helpers.NilPanic(prom, "dnsfront.server.go: metrics are required"),
		intn:     rand.Intn,
		lastPick: make(map[string]domain.Instance),
	}
}

// Start binds the UDP listener and launches the cache janitor.
func (s *Server) Start() {
	s.srv = &dns.Server{
		Addr:    net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Net:     "udp",
		Handler: s,
	}
	s.t.Go(func() error {
		level.Info(s.logger).Log("msg", "DNS front-end listening", "addr", s.srv.Addr)
		err := s.srv.ListenAndServe()
		select {
		case <-s.t.Dying():
			return nil
		default:
			return err
		}
	})
	s.t.Go(s.janitorLoop)
}

// Stop shuts the listener down and waits for the background loops.
func (s *Server) Stop() error {
	s.t.Kill(nil)
	if s.srv != nil {
		_ = s.srv.Shutdown()
	}
	return s.t.Wait()
}

func (s *Server) janitorLoop() error {
	ticker := time.NewTicker(s.cfg.CacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := s.cache.Sweep(); dropped > 0 {
				level.Debug(s.logger).Log("msg", "cache janitor", "dropped", dropped)
			}
		case <-s.t.Dying():
			return nil
		}
	}
}

// ServeDNS handles one DNS request.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) == 0 {
		msg.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(msg)
		return
	}
	q := r.Question[0]
	s.prom.Queries.WithLabelValues(dns.TypeToString[q.Qtype]).Inc()

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeTXT {
		s.prom.NotImplemented.Inc()
		msg.SetRcode(r, dns.RcodeNotImplemented)
		_ = w.WriteMsg(msg)
		return
	}

	qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	if !strings.HasSuffix(qname, localSuffix) {
		s.nxdomain(w, r, msg, qname, "name outside the .local namespace")
		return
	}
	serviceName := strings.TrimSuffix(qname, localSuffix)

	instances, err := s.resolveInstances(serviceName)
	if err != nil {
		s.nxdomain(w, r, msg, qname, fmt.Sprintf("registry unavailable and no cached entry: %v", err))
		return
	}
	if len(instances) == 0 {
		s.nxdomain(w, r, msg, qname, "no healthy instances")
		return
	}

	inst := s.pick(serviceName, q.Qtype, instances)
	switch q.Qtype {
	case dns.TypeA:
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.cfg.AnswerTTL},
			A:   net.ParseIP(inst.IP).To4(),
		})
	case dns.TypeTXT:
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: s.cfg.AnswerTTL},
			Txt: []string{fmt.Sprintf("port=%d", inst.Port)},
		})
	}
	_ = w.WriteMsg(msg)
}

func (s *Server) nxdomain(w dns.ResponseWriter, r, msg *dns.Msg, qname, reason string) {
	s.prom.NXDomain.Inc()
	level.Info(s.logger).Log("msg", "NXDOMAIN", "qname", qname, "reason", reason)
	msg.SetRcode(r, dns.RcodeNameError)
	_ = w.WriteMsg(msg)
}

// resolveInstances returns the healthy list for serviceName: fresh cache hit
// first, then the registry. The expired cache entry is served, counted, only
// when the registry call fails.
func (s *Server) resolveInstances(serviceName string) ([]domain.Instance, error) {
	cached, fresh, ok := s.cache.Get(serviceName)
	if ok && fresh {
		s.prom.CacheHits.Inc()
		return cached, nil
	}
	s.prom.CacheMisses.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RegistryTimeout)
	defer cancel()
	instances, err := s.registry.Resolve(ctx, serviceName)
	if err != nil {
		if ok {
			s.prom.ExpiredFallback.Inc()
			level.Warn(s.logger).Log("msg", "serving expired cache entry", "service", serviceName, "err", err)
			return cached, nil
		}
		return nil, service.NewUpstreamUnavailableError("registry resolve failed", err)
	}
	s.cache.Put(serviceName, instances)
	return instances, nil
}

// pick chooses one instance uniformly at random, the sole load-balancing
// policy offered to DNS clients. An A question always draws a new
// pick and records it; a TXT question reuses the recorded pick when it is
// still in the healthy set, so a paired A/TXT fetch describes one instance.
func (s *Server) pick(serviceName string, qtype uint16, instances []domain.Instance) domain.Instance {
	s.pickMu.Lock()
	defer s.pickMu.Unlock()

	if qtype == dns.TypeTXT {
		if last, ok := s.lastPick[serviceName]; ok {
			for _, inst := range instances {
				if inst.Key() == last.Key() {
					return inst
				}
			}
		}
	}
	inst := instances[s.intn(len(instances))]
	s.lastPick[serviceName] = inst
	return inst
}
