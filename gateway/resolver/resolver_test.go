package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"localmesh/interfaces/mock"
	"localmesh/metrics"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDNS answers A and TXT questions from fixed tables and counts exchanges.
type fakeDNS struct {
	mu    sync.Mutex
	ips   map[string]string // fqdn → ip
	ports map[string]string // fqdn → TXT payload
	fail  bool
	calls int
}

func (f *fakeDNS) exchange(_ context.Context, m *dns.Msg) (*dns.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	resp := new(dns.Msg)
	resp.SetReply(m)
	q := m.Question[0]
	switch q.Qtype {
	case dns.TypeA:
		ip, ok := f.ips[q.Name]
		if !ok {
			resp.SetRcode(m, dns.RcodeNameError)
			return resp, nil
		}
		rr, _ := dns.NewRR(q.Name + " 30 IN A " + ip)
		resp.Answer = append(resp.Answer, rr)
	case dns.TypeTXT:
		payload, ok := f.ports[q.Name]
		if !ok {
			resp.SetRcode(m, dns.RcodeNameError)
			return resp, nil
		}
		rr, _ := dns.NewRR(q.Name + ` 30 IN TXT "` + payload + `"`)
		resp.Answer = append(resp.Answer, rr)
	}
	return resp, nil
}

func (f *fakeDNS) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func newTestResolver(t *testing.T, fake *fakeDNS, clock *steppingClock) (*Resolver, *metrics.GatewayMetrics) {
	t.Helper()
	prom := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	r := New(Config{DefaultServicePort: 3000}, &mock.ClockMock{NowFunc: clock.Now}, log.NewNopLogger(), prom)
	r.exchange = fake.exchange
	return r, prom
}

func TestResolver_Resolve(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"user-service.local.": "127.0.0.1"},
		ports: map[string]string{"user-service.local.": "port=3001"},
	}

	tests := []struct {
		name     string
		lookup   string
		wantIP   string
		wantPort int
		wantErr  bool
	}{
		{name: "bare name", lookup: "user-service", wantIP: "127.0.0.1", wantPort: 3001},
		{name: "name with .local", lookup: "user-service.local", wantIP: "127.0.0.1", wantPort: 3001},
		{name: "unknown service", lookup: "missing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver(t, fake, newSteppingClock())
			ep, err := r.Resolve(context.Background(), tt.lookup)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, service.IsEntityNotFoundError(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, ep.IP)
			assert.Equal(t, tt.wantPort, ep.Port)
			assert.Equal(t, 30, ep.TTLSeconds)
		})
	}
}

func TestResolver_MissingTXTFallsBackToDefaultPort(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"task-service.local.": "10.0.0.5"},
		ports: map[string]string{},
	}
	r, _ := newTestResolver(t, fake, newSteppingClock())

	ep, err := r.Resolve(context.Background(), "task-service")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ep.IP)
	assert.Equal(t, 3000, ep.Port, "missing TXT must fall back to the configured default port")
}

func TestResolver_MalformedTXTFallsBackToDefaultPort(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"task-service.local.": "10.0.0.5"},
		ports: map[string]string{"task-service.local.": "port=notanumber"},
	}
	r, _ := newTestResolver(t, fake, newSteppingClock())

	ep, err := r.Resolve(context.Background(), "task-service")
	require.NoError(t, err)
	assert.Equal(t, 3000, ep.Port)
}

func TestResolver_CacheHitSkipsDNS(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"user-service.local.": "127.0.0.1"},
		ports: map[string]string{"user-service.local.": "port=3001"},
	}
	clock := newSteppingClock()
	r, _ := newTestResolver(t, fake, clock)

	_, err := r.Resolve(context.Background(), "user-service")
	require.NoError(t, err)
	callsAfterFirst := fake.calls

	for i := 0; i < 5; i++ {
		_, err = r.Resolve(context.Background(), "user-service")
		require.NoError(t, err)
	}
	assert.Equal(t, callsAfterFirst, fake.calls, "fresh cache hits must not touch DNS")

	// Past the TTL the resolver goes back to DNS.
	clock.Advance(31 * time.Second)
	_, err = r.Resolve(context.Background(), "user-service")
	require.NoError(t, err)
	assert.Greater(t, fake.calls, callsAfterFirst)
}

func TestResolver_ExpiredFallbackOnDNSFailure(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"user-service.local.": "127.0.0.1"},
		ports: map[string]string{"user-service.local.": "port=3001"},
	}
	clock := newSteppingClock()
	r, prom := newTestResolver(t, fake, clock)

	_, err := r.Resolve(context.Background(), "user-service")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	fake.setFail(true)

	ep, err := r.Resolve(context.Background(), "user-service")
	require.NoError(t, err, "expired entry must serve as last resort on DNS failure")
	assert.Equal(t, "127.0.0.1", ep.IP)
	assert.Equal(t, 3001, ep.Port)
	assert.Equal(t, float64(1), testutil.ToFloat64(prom.StaleUses))
}

func TestResolver_DNSFailureWithoutCacheIsError(t *testing.T) {
	fake := &fakeDNS{fail: true}
	r, _ := newTestResolver(t, fake, newSteppingClock())

	_, err := r.Resolve(context.Background(), "user-service")
	require.Error(t, err)
	assert.True(t, service.IsUpstreamUnavailableError(err), "got %v", err)
}

func TestResolver_CacheDumpAndPurge(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"a.local.": "10.0.0.1", "b.local.": "10.0.0.2"},
		ports: map[string]string{"a.local.": "port=4001", "b.local.": "port=4002"},
	}
	clock := newSteppingClock()
	r, _ := newTestResolver(t, fake, clock)

	_, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "b")
	require.NoError(t, err)

	dump := r.CacheDump()
	require.Len(t, dump, 2)
	assert.Equal(t, "a.local", dump[0].Service)
	assert.False(t, dump[0].Expired)

	assert.Equal(t, 1, r.Purge("a"))
	assert.Equal(t, 0, r.Purge("a"), "second purge finds nothing")
	assert.Equal(t, 1, r.Purge(""), "empty service purges everything")
	assert.Empty(t, r.CacheDump())
}

func TestResolver_CleanupDropsOnlyBeyondRetention(t *testing.T) {
	fake := &fakeDNS{
		ips:   map[string]string{"a.local.": "10.0.0.1"},
		ports: map[string]string{"a.local.": "port=4001"},
	}
	clock := newSteppingClock()
	r, _ := newTestResolver(t, fake, clock)

	_, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)

	clock.Advance(45 * time.Second) // expired (TTL 30) but within retention
	r.cleanup()
	assert.Len(t, r.CacheDump(), 1)

	clock.Advance(20 * time.Second) // past 2×TTL
	r.cleanup()
	assert.Empty(t, r.CacheDump())
}

func TestResolver_Healthy(t *testing.T) {
	fake := &fakeDNS{ips: map[string]string{}, ports: map[string]string{}}
	r, _ := newTestResolver(t, fake, newSteppingClock())

	assert.NoError(t, r.Healthy(context.Background()), "NXDOMAIN still proves connectivity")

	fake.setFail(true)
	err := r.Healthy(context.Background())
	require.Error(t, err)
	assert.True(t, service.IsUpstreamUnavailableError(err))
}
