// Package registry implements the authoritative in-memory service registry:
// name → set of instances, each with a liveness clock. Writes are serialized
// by a single mutex; readers get copies. A background sweep is the only
// mechanism that deletes instances for staleness; Resolve filters but never
// deletes.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"localmesh/domain"
	"localmesh/helpers"
	"localmesh/interfaces"
	"localmesh/metrics"
	"localmesh/service"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nuid"
	"gopkg.in/tomb.v2"
)

// Defaults for Config fields left at zero.
const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultMaxInstances     = 10
)

// Config controls liveness and capacity of the registry.
type Config struct {
	// HeartbeatTimeout is how long after the last heartbeat an instance
	// stays healthy.
	HeartbeatTimeout time.Duration
	// SweepInterval is the period of the background liveness sweep.
	SweepInterval time.Duration
	// MaxInstances caps instances per service name; exceeding registrations
	// evict the oldest by first registration (FIFO).
	MaxInstances int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	return c
}

// Stats is the counter surface of the registry core.
type Stats struct {
	TotalRegistrations int64 `json:"totalRegistrations"`
	TotalHeartbeats    int64 `json:"totalHeartbeats"`
	TotalEvictions     int64 `json:"totalEvictions"`
	StaleEvictions     int64 `json:"staleEvictions"`
	CapacityEvictions  int64 `json:"capacityEvictions"`
	CurrentServices    int   `json:"currentServices"`
	CurrentInstances   int   `json:"currentInstances"`
	UptimeSeconds      int64 `json:"uptimeSeconds"`
}

// Registry is the core store. Construct with New, then Start to run the
// sweeper; Stop shuts the sweeper down.
type Registry struct {
	cfg    Config
	clock  interfaces.Clock
	logger log.Logger
	prom   *metrics.RegistryMetrics

	// services is keyed by the lowercased name: service names are matched
	// case-insensitively (DNS folds case on the way in), while instances
	// keep the spelling they registered with.
	mu       sync.RWMutex
	services map[string]map[string]*domain.Instance // lowercased name → "ip:port" → instance

	startedAt         time.Time
	registrations     atomic.Int64
	heartbeats        atomic.Int64
	staleEvictions    atomic.Int64
	capacityEvictions atomic.Int64

	t tomb.Tomb
}

// New creates a Registry. Panics on nil clock, logger or prom (fail-fast at startup).
func New(cfg Config, clock interfaces.Clock, logger log.Logger, prom *metrics.RegistryMetrics) *Registry {
	clock = helpers.NilPanic(clock, "registry.core.go: clock is required")
	return &Registry{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		logger:    log.WithPrefix(helpers.NilPanic(logger, "registry.core.go: logger is required"), "component", "registry"),
		prom:      helpers.NilPanic(prom, "registry.core.go: metrics are required"),
		services:  make(map[string]map[string]*domain.Instance),
		startedAt: clock.Now(),
	}
}

// Start launches the liveness sweep loop.
func (r *Registry) Start() {
	r.t.Go(r.sweepLoop)
}

// Stop terminates the sweep loop and waits for it to exit.
func (r *Registry) Stop() error {
	r.t.Kill(nil)
	return r.t.Wait()
}

// Register creates or refreshes an instance. Re-registration of the same
// (name, ip, port) updates in place: same id, preserved RegisteredAt (the
// capacity eviction stays FIFO on first registration), replaced metadata,
// refreshed heartbeat clock. A new registration over a full service entry
// evicts the oldest instance first.
func (r *Registry) Register(name, ip string, port int, metadata map[string]any) (domain.Instance, error) {
	if err := validateInstanceKey(name, ip, port); err != nil {
		return domain.Instance{}, err
	}

	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	svcKey := serviceKey(name)
	entry := r.services[svcKey]
	if entry == nil {
		entry = make(map[string]*domain.Instance)
		r.services[svcKey] = entry
	}

	key := domain.InstanceKey(ip, port)
	if existing, ok := entry[key]; ok {
		existing.Metadata = copyMetadata(metadata)
		existing.LastHeartbeat = now
		r.registrations.Add(1)
		r.prom.Registrations.Inc()
		return *existing, nil
	}

	if len(entry) >= r.cfg.MaxInstances {
		r.evictOldestLocked(name, entry)
	}

	inst := &domain.Instance{
		ID:            nuid.Next(),
		Name:          name,
		IP:            ip,
		Port:          port,
		Metadata:      copyMetadata(metadata),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	entry[key] = inst
	r.registrations.Add(1)
	r.prom.Registrations.Inc()
	r.updateGaugesLocked()
	level.Info(r.logger).Log("msg", "instance registered", "service", name, "instance", key, "id", inst.ID)
	return *inst, nil
}

// Heartbeat refreshes the liveness clock of an existing instance. An unknown
// (name, ip, port) yields an entity_not_found error: the contractual signal
// telling the client to re-register.
func (r *Registry) Heartbeat(name, ip string, port int) (domain.Instance, error) {
	if err := validateInstanceKey(name, ip, port); err != nil {
		return domain.Instance{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.lookupLocked(name, ip, port)
	if inst == nil {
		return domain.Instance{}, service.NewEntityNotFoundError(
			fmt.Sprintf("no instance %s registered for service %s", domain.InstanceKey(ip, port), name), nil)
	}
	inst.LastHeartbeat = r.clock.Now()
	r.heartbeats.Add(1)
	r.prom.Heartbeats.Inc()
	return *inst, nil
}

// Resolve returns the currently healthy instances of name, sorted by
// LastHeartbeat descending. Healthiness is evaluated at read time; stale
// instances are filtered out here and reclaimed later by the sweep. The
// caller decides which instance to hand out.
func (r *Registry) Resolve(name string) []domain.Instance {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.services[serviceKey(name)]
	out := make([]domain.Instance, 0, len(entry))
	for _, inst := range entry {
		if inst.Healthy(now, r.cfg.HeartbeatTimeout) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
	})
	return out
}

// Deregister removes the named instance, pruning the service entry when it
// becomes empty.
func (r *Registry) Deregister(name, ip string, port int) (domain.Instance, error) {
	if err := validateInstanceKey(name, ip, port); err != nil {
		return domain.Instance{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.lookupLocked(name, ip, port)
	if inst == nil {
		return domain.Instance{}, service.NewEntityNotFoundError(
			fmt.Sprintf("no instance %s registered for service %s", domain.InstanceKey(ip, port), name), nil)
	}
	svcKey := serviceKey(name)
	delete(r.services[svcKey], inst.Key())
	if len(r.services[svcKey]) == 0 {
		delete(r.services, svcKey)
	}
	r.updateGaugesLocked()
	level.Info(r.logger).Log("msg", "instance deregistered", "service", name, "instance", inst.Key())
	return *inst, nil
}

// Snapshot returns a read-only deep copy of the whole store.
func (r *Registry) Snapshot() map[string][]domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]domain.Instance, len(r.services))
	for name, entry := range r.services {
		list := make([]domain.Instance, 0, len(entry))
		for _, inst := range entry {
			list = append(list, *inst)
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].RegisteredAt.Before(list[j].RegisteredAt)
		})
		out[name] = list
	}
	return out
}

// Stats returns the counter surface.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	services := len(r.services)
	instances := 0
	for _, entry := range r.services {
		instances += len(entry)
	}
	r.mu.RUnlock()

	stale := r.staleEvictions.Load()
	capacity := r.capacityEvictions.Load()
	return Stats{
		TotalRegistrations: r.registrations.Load(),
		TotalHeartbeats:    r.heartbeats.Load(),
		TotalEvictions:     stale + capacity,
		StaleEvictions:     stale,
		CapacityEvictions:  capacity,
		CurrentServices:    services,
		CurrentInstances:   instances,
		UptimeSeconds:      int64(r.clock.Now().Sub(r.startedAt).Seconds()),
	}
}

func (r *Registry) sweepLoop() error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.t.Dying():
			return nil
		}
	}
}

// sweep removes every instance whose heartbeat clock exceeded the timeout.
// This is the only staleness-driven deletion in the registry.
func (r *Registry) sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, entry := range r.services {
		for key, inst := range entry {
			if inst.Healthy(now, r.cfg.HeartbeatTimeout) {
				continue
			}
			delete(entry, key)
			removed++
			r.staleEvictions.Add(1)
			r.prom.StaleEvictions.Inc()
			level.Info(r.logger).Log("msg", "stale instance evicted", "service", name, "instance", key,
				"lastHeartbeat", inst.LastHeartbeat.Format(time.RFC3339))
		}
		if len(entry) == 0 {
			delete(r.services, name)
		}
	}
	if removed > 0 {
		r.updateGaugesLocked()
	}
}

// evictOldestLocked drops the instance with the earliest first registration.
// Caller must hold r.mu.
func (r *Registry) evictOldestLocked(name string, entry map[string]*domain.Instance) {
	var oldestKey string
	var oldest *domain.Instance
	for key, inst := range entry {
		if oldest == nil || inst.RegisteredAt.Before(oldest.RegisteredAt) {
			oldestKey, oldest = key, inst
		}
	}
	if oldest == nil {
		return
	}
	delete(entry, oldestKey)
	r.capacityEvictions.Add(1)
	r.prom.CapacityEvictions.Inc()
	level.Info(r.logger).Log("msg", "capacity eviction", "service", name, "instance", oldestKey,
		"registeredAt", oldest.RegisteredAt.Format(time.RFC3339))
}

// lookupLocked returns the stored instance or nil. Caller must hold r.mu.
func (r *Registry) lookupLocked(name, ip string, port int) *domain.Instance {
	entry := r.services[serviceKey(name)]
	if entry == nil {
		return nil
	}
	return entry[domain.InstanceKey(ip, port)]
}

// serviceKey folds a service name to its case-insensitive store key.
func serviceKey(name string) string {
	return strings.ToLower(name)
}

// updateGaugesLocked refreshes the prometheus gauges. Caller must hold r.mu.
func (r *Registry) updateGaugesLocked() {
	instances := 0
	for _, entry := range r.services {
		instances += len(entry)
	}
	r.prom.Services.Set(float64(len(r.services)))
	r.prom.Instances.Set(float64(instances))
}

func validateInstanceKey(name, ip string, port int) error {
	if err := domain.ValidateServiceName(name); err != nil {
		return service.NewValidationError(err.Error(), err)
	}
	if err := domain.ValidateIPv4(ip); err != nil {
		return service.NewValidationError(err.Error(), err)
	}
	if err := domain.ValidatePort(port); err != nil {
		return service.NewValidationError(err.Error(), err)
	}
	return nil
}

func copyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
