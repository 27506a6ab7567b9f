package interfaces

import (
	"context"

	"localmesh/domain"
)

// CacheEntry is one resolver cache row as exposed on the admin surface.
type CacheEntry struct {
	Service    string `json:"service"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	TTLSeconds int    `json:"ttlSeconds"`
	AgeSeconds int    `json:"ageSeconds"`
	Expired    bool   `json:"expired"`
}

// Resolver translates a service name into one concrete endpoint. Implemented
// by gateway/resolver on top of the DNS front-end; consumed by gateway/proxy.
type Resolver interface {
	// Resolve returns an endpoint for the service or an upstream_unavailable /
	// entity_not_found error.
	Resolve(ctx context.Context, name string) (domain.Endpoint, error)
	// Healthy probes DNS connectivity (used by the gateway health surface).
	Healthy(ctx context.Context) error
	// CacheDump returns a snapshot of the resolver cache.
	CacheDump() []CacheEntry
	// Purge drops cache entries, all of them when service is empty. Returns
	// the number of dropped entries.
	Purge(service string) int
}
