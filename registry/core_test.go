package registry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"localmesh/interfaces/mock"
	"localmesh/metrics"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by the tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config, clock *testClock) *Registry {
	t.Helper()
	prom := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	return New(cfg, &mock.ClockMock{NowFunc: clock.Now}, log.NewNopLogger(), prom)
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		svc     string
		ip      string
		port    int
		wantErr bool
	}{
		{name: "ok", svc: "user-service", ip: "127.0.0.1", port: 3001},
		{name: "name with underscore and digits", svc: "task_service_2", ip: "10.0.0.4", port: 80},
		{name: "empty name", svc: "", ip: "127.0.0.1", port: 3001, wantErr: true},
		{name: "name too long", svc: strings.Repeat("a", 51), ip: "127.0.0.1", port: 3001, wantErr: true},
		{name: "name with dot", svc: "user.service", ip: "127.0.0.1", port: 3001, wantErr: true},
		{name: "bad ip", svc: "user-service", ip: "999.1.1.1", port: 3001, wantErr: true},
		{name: "ipv6", svc: "user-service", ip: "::1", port: 3001, wantErr: true},
		{name: "port zero", svc: "user-service", ip: "127.0.0.1", port: 0, wantErr: true},
		{name: "port too big", svc: "user-service", ip: "127.0.0.1", port: 70000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, Config{}, newTestClock())
			inst, err := r.Register(tt.svc, tt.ip, tt.port, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, service.IsValidationError(err), "expected validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, inst.ID)
			assert.Equal(t, tt.svc, inst.Name)
			assert.Equal(t, tt.ip, inst.IP)
			assert.Equal(t, tt.port, inst.Port)
		})
	}
}

func TestRegistry_ReRegisterKeepsID(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{}, clock)

	first, err := r.Register("user-service", "127.0.0.1", 3001, map[string]any{"version": "1"})
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	second, err := r.Register("user-service", "127.0.0.1", 3001, map[string]any{"version": "2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-registration must keep the id")
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt, "re-registration must not reset registeredAt")
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))
	assert.Equal(t, "2", second.Metadata["version"], "metadata must be replaced")

	snap := r.Snapshot()
	require.Len(t, snap["user-service"], 1, "duplicate (name,ip,port) must never create a second instance")
}

func TestRegistry_CapacityEvictionIsFIFO(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{MaxInstances: 2}, clock)

	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4002, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4003, nil)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap["svc"], 2)
	ports := []int{snap["svc"][0].Port, snap["svc"][1].Port}
	assert.ElementsMatch(t, []int{4002, 4003}, ports, "oldest registration must be evicted first")

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.CapacityEvictions)
}

func TestRegistry_CapEvictionFIFOOnFirstRegistration(t *testing.T) {
	// Re-registering the oldest instance must not rejuvenate its position in
	// the eviction order.
	clock := newTestClock()
	r := newTestRegistry(t, Config{MaxInstances: 2}, clock)

	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4002, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4001, nil) // in-place update
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4003, nil)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap["svc"], 2)
	ports := []int{snap["svc"][0].Port, snap["svc"][1].Port}
	assert.ElementsMatch(t, []int{4002, 4003}, ports)
}

func TestRegistry_HeartbeatUnknownIsNotFound(t *testing.T) {
	r := newTestRegistry(t, Config{}, newTestClock())

	_, err := r.Heartbeat("ghost-service", "127.0.0.1", 9999)
	require.Error(t, err)
	assert.True(t, service.IsEntityNotFoundError(err), "unknown heartbeat must be the not-found signal, got %v", err)
}

func TestRegistry_HeartbeatRefreshesLiveness(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{HeartbeatTimeout: 10 * time.Second}, clock)

	_, err := r.Register("user-service", "127.0.0.1", 3001, nil)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	_, err = r.Heartbeat("user-service", "127.0.0.1", 3001)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	// 16s since registration but only 8s since the heartbeat.
	assert.Len(t, r.Resolve("user-service"), 1)
}

func TestRegistry_ResolveFiltersStaleAtReadTime(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{HeartbeatTimeout: 10 * time.Second}, clock)

	_, err := r.Register("user-service", "127.0.0.1", 3001, nil)
	require.NoError(t, err)

	assert.Len(t, r.Resolve("user-service"), 1)

	clock.Advance(11 * time.Second)
	assert.Empty(t, r.Resolve("user-service"), "stale instance must be filtered before any sweep runs")
	// Resolve never deletes: the instance is still in the snapshot until the
	// sweep reclaims it.
	assert.Len(t, r.Snapshot()["user-service"], 1)

	r.sweep()
	assert.Empty(t, r.Snapshot(), "sweep must remove stale instances and prune the empty entry")
	assert.Equal(t, int64(1), r.Stats().StaleEvictions)
}

func TestRegistry_ResolveSortsByLastHeartbeatDesc(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{}, clock)

	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("svc", "127.0.0.1", 4002, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Heartbeat("svc", "127.0.0.1", 4001)
	require.NoError(t, err)

	got := r.Resolve("svc")
	require.Len(t, got, 2)
	assert.Equal(t, 4001, got[0].Port, "freshest heartbeat first")
	assert.Equal(t, 4002, got[1].Port)
}

func TestRegistry_ResolveUnknownIsEmpty(t *testing.T) {
	r := newTestRegistry(t, Config{}, newTestClock())
	assert.Empty(t, r.Resolve("missing"))
}

func TestRegistry_EvictedInstanceDoesNotReappear(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{HeartbeatTimeout: 10 * time.Second}, clock)

	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	r.sweep()

	_, err = r.Heartbeat("svc", "127.0.0.1", 4001)
	require.Error(t, err)
	assert.True(t, service.IsEntityNotFoundError(err), "heartbeat after eviction must demand a re-register")
	assert.Empty(t, r.Resolve("svc"))

	// Fresh register brings it back with a new id.
	inst, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Len(t, r.Resolve("svc"), 1)
}

func TestRegistry_Deregister(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{}, clock)

	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)

	_, err = r.Deregister("svc", "127.0.0.1", 4002)
	require.Error(t, err)
	assert.True(t, service.IsEntityNotFoundError(err))

	inst, err := r.Deregister("svc", "127.0.0.1", 4001)
	require.NoError(t, err)
	assert.Equal(t, 4001, inst.Port)
	assert.Empty(t, r.Snapshot(), "empty service entry must be pruned")
}

func TestRegistry_SweepLoopLifecycle(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{SweepInterval: 10 * time.Millisecond}, clock)

	r.Start()
	_, err := r.Register("svc", "127.0.0.1", 4001, nil)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	assert.Eventually(t, func() bool {
		return len(r.Snapshot()) == 0
	}, time.Second, 5*time.Millisecond, "background sweep must evict the stale instance")

	require.NoError(t, r.Stop())
}

func TestRegistry_Stats(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{MaxInstances: 1}, clock)

	_, err := r.Register("a", "127.0.0.1", 1000, nil)
	require.NoError(t, err)
	_, err = r.Register("b", "127.0.0.1", 1001, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = r.Register("b", "127.0.0.1", 1002, nil) // capacity eviction
	require.NoError(t, err)
	_, err = r.Heartbeat("a", "127.0.0.1", 1000)
	require.NoError(t, err)
	clock.Advance(time.Second)

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.TotalRegistrations)
	assert.Equal(t, int64(1), stats.TotalHeartbeats)
	assert.Equal(t, int64(1), stats.CapacityEvictions)
	assert.Equal(t, int64(1), stats.TotalEvictions)
	assert.Equal(t, 2, stats.CurrentServices)
	assert.Equal(t, 2, stats.CurrentInstances)
	assert.Equal(t, int64(2), stats.UptimeSeconds)
}

func TestRegistry_ConcurrentRegisterAndResolve(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{MaxInstances: 100}, clock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		port := 5000 + i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register("svc", "127.0.0.1", port, nil)
			assert.NoError(t, err)
			r.Resolve("svc")
			_, err = r.Heartbeat("svc", "127.0.0.1", port)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, r.Resolve("svc"), 20)
}

func TestRegistry_NamesMatchCaseInsensitively(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, Config{}, clock)

	inst, err := r.Register("Task-Service", "127.0.0.1", 3001, nil)
	require.NoError(t, err)
	assert.Equal(t, "Task-Service", inst.Name, "the registered spelling is preserved")

	// DNS folds qnames to lowercase before resolving.
	resolved := r.Resolve("task-service")
	require.Len(t, resolved, 1)
	assert.Equal(t, inst.ID, resolved[0].ID)
	assert.Len(t, r.Resolve("TASK-SERVICE"), 1)

	_, err = r.Heartbeat("task-SERVICE", "127.0.0.1", 3001)
	require.NoError(t, err)

	// A differently cased re-registration updates in place, not a twin entry.
	again, err := r.Register("task-service", "127.0.0.1", 3001, nil)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.Equal(t, 1, r.Stats().CurrentServices)

	_, err = r.Deregister("TASK-service", "127.0.0.1", 3001)
	require.NoError(t, err)
	assert.Empty(t, r.Resolve("task-service"))
}
