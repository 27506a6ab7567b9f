package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"localmesh/domain"
	"localmesh/interfaces"
	"localmesh/interfaces/mock"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T, res interfaces.Resolver) *Admin {
	t.Helper()
	d := newTestDispatcher(t, Config{}, res)
	clock := &mock.ClockMock{NowFunc: func() time.Time { return time.Now().UTC() }}
	return NewAdmin(d, res, clock, log.NewNopLogger())
}

func adminRequest(method, target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestAdmin_HealthOK(t *testing.T) {
	res := &mock.ResolverMock{HealthyFunc: func(ctx context.Context) error { return nil }}
	a := newTestAdmin(t, res)

	c, rec := adminRequest(http.MethodGet, "/gateway/health")
	require.NoError(t, a.handleHealth(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["dns"])
}

func TestAdmin_HealthDegradedWhenDNSUnreachable(t *testing.T) {
	res := &mock.ResolverMock{HealthyFunc: func(ctx context.Context) error {
		return service.NewUpstreamUnavailableError("probe failed", nil)
	}}
	a := newTestAdmin(t, res)

	c, rec := adminRequest(http.MethodGet, "/gateway/health")
	require.NoError(t, a.handleHealth(c))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["dns"])
}

func TestAdmin_Stats(t *testing.T) {
	res := &mock.ResolverMock{}
	a := newTestAdmin(t, res)
	a.dispatcher.stats.request()
	a.dispatcher.stats.success()
	a.dispatcher.tracker.Add(Flight{RequestID: "r1", Service: "todo-service", StartTime: time.Now()})

	c, rec := adminRequest(http.MethodGet, "/gateway/stats")
	require.NoError(t, a.handleStats(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats         Stats    `json:"stats"`
		InFlightCount int      `json:"inFlightCount"`
		InFlight      []Flight `json:"inFlight"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Stats.Total)
	assert.Equal(t, int64(1), body.Stats.Successful)
	assert.Equal(t, 1, body.InFlightCount)
	require.Len(t, body.InFlight, 1)
	assert.Equal(t, "todo-service", body.InFlight[0].Service)
}

func TestAdmin_CacheDumpAndPurge(t *testing.T) {
	entries := []interfaces.CacheEntry{
		{Service: "todo-service", IP: "127.0.0.1", Port: 3001, TTLSeconds: 10, AgeSeconds: 2},
	}
	var purgedService string
	res := &mock.ResolverMock{
		CacheDumpFunc: func() []interfaces.CacheEntry { return entries },
		PurgeFunc: func(svc string) int {
			purgedService = svc
			return 3
		},
	}
	a := newTestAdmin(t, res)

	c, rec := adminRequest(http.MethodGet, "/gateway/dns-cache")
	require.NoError(t, a.handleCacheDump(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	var dump struct {
		Count   int                     `json:"count"`
		Entries []interfaces.CacheEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.Equal(t, 1, dump.Count)
	assert.Equal(t, "todo-service", dump.Entries[0].Service)

	c, rec = adminRequest(http.MethodDelete, "/gateway/dns-cache?service=todo-service")
	require.NoError(t, a.handleCachePurge(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "todo-service", purgedService)
	assert.JSONEq(t, `{"purged":3}`, rec.Body.String())
}

func TestAdmin_DNSTest(t *testing.T) {
	res := &mock.ResolverMock{
		ResolveFunc: func(ctx context.Context, name string) (domain.Endpoint, error) {
			if name != "todo-service" {
				return domain.Endpoint{}, service.NewEntityNotFoundError("no address records", nil)
			}
			return domain.Endpoint{IP: "127.0.0.1", Port: 3001, TTLSeconds: 30}, nil
		},
	}
	a := newTestAdmin(t, res)

	c, rec := adminRequest(http.MethodGet, "/gateway/dns-test/todo-service")
	c.SetParamNames("name")
	c.SetParamValues("todo-service")
	require.NoError(t, a.handleDNSTest(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"service":"todo-service","ip":"127.0.0.1","port":3001,"ttlSeconds":30}`, rec.Body.String())

	c, _ = adminRequest(http.MethodGet, "/gateway/dns-test/ghost")
	c.SetParamNames("name")
	c.SetParamValues("ghost")
	err := a.handleDNSTest(c)
	require.Error(t, err)
	assert.True(t, service.IsEntityNotFoundError(err), "not-found bubbles to the shared error handler")
}
