// Package mock contains hand-written test doubles for the interfaces
// package. Each mock delegates to optional func fields; calling a method
// whose func field is nil panics, which makes unexpected calls visible in
// tests.
package mock

import (
	"context"
	"time"

	"localmesh/domain"
	"localmesh/interfaces"
)

// ClockMock implements interfaces.Clock.
type ClockMock struct {
	NowFunc func() time.Time
}

func (m *ClockMock) Now() time.Time {
	return m.NowFunc()
}

// RegistryClientMock implements interfaces.RegistryClient.
type RegistryClientMock struct {
	RegisterFunc   func(ctx context.Context, name, ip string, port int, metadata map[string]any) (domain.Instance, error)
	HeartbeatFunc  func(ctx context.Context, name, ip string, port int) (domain.Instance, error)
	ResolveFunc    func(ctx context.Context, name string) ([]domain.Instance, error)
	DeregisterFunc func(ctx context.Context, name, ip string, port int) (domain.Instance, error)
}

func (m *RegistryClientMock) Register(ctx context.Context, name, ip string, port int, metadata map[string]any) (domain.Instance, error) {
	return m.RegisterFunc(ctx, name, ip, port, metadata)
}

func (m *RegistryClientMock) Heartbeat(ctx context.Context, name, ip string, port int) (domain.Instance, error) {
	return m.HeartbeatFunc(ctx, name, ip, port)
}

func (m *RegistryClientMock) Resolve(ctx context.Context, name string) ([]domain.Instance, error) {
	return m.ResolveFunc(ctx, name)
}

func (m *RegistryClientMock) Deregister(ctx context.Context, name, ip string, port int) (domain.Instance, error) {
	return m.DeregisterFunc(ctx, name, ip, port)
}

// ResolverMock implements interfaces.Resolver.
type ResolverMock struct {
	ResolveFunc   func(ctx context.Context, name string) (domain.Endpoint, error)
	HealthyFunc   func(ctx context.Context) error
	CacheDumpFunc func() []interfaces.CacheEntry
	PurgeFunc     func(service string) int
}

func (m *ResolverMock) Resolve(ctx context.Context, name string) (domain.Endpoint, error) {
	return m.ResolveFunc(ctx, name)
}

func (m *ResolverMock) Healthy(ctx context.Context) error {
	return m.HealthyFunc(ctx)
}

func (m *ResolverMock) CacheDump() []interfaces.CacheEntry {
	return m.CacheDumpFunc()
}

func (m *ResolverMock) Purge(service string) int {
	return m.PurgeFunc(service)
}
