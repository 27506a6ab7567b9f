// Package domain holds the data model shared by the registry, the DNS
// front-end and the gateway.
package domain

import (
	"fmt"
	"net"
	"regexp"
	"time"
)

var serviceNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Instance represents a registered service instance.
// Fields match the registry API: id, name, ip, port, metadata, registeredAt, lastHeartbeat.
type Instance struct {
	ID            string         `json:"id"`   // assigned by the registry on first registration
	Name          string         `json:"name"` // service name
	IP            string         `json:"ip"`   // IPv4 address
	Port          int            `json:"port"`
	Metadata      map[string]any `json:"metadata,omitempty"` // opaque to the registry
	RegisteredAt  time.Time      `json:"registeredAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
}

// Healthy reports whether the instance's most recent heartbeat is within timeout.
func (i Instance) Healthy(now time.Time, timeout time.Duration) bool {
	return now.Sub(i.LastHeartbeat) <= timeout
}

// Key returns the instance key within its service entry, "ip:port".
func (i Instance) Key() string {
	return InstanceKey(i.IP, i.Port)
}

// InstanceKey builds the per-service instance key from an address pair.
func InstanceKey(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// Endpoint is a resolved service address handed to the gateway dispatcher.
type Endpoint struct {
	IP         string
	Port       int
	TTLSeconds int
}

// ValidateServiceName checks the name against ^[A-Za-z0-9_-]{1,50}$.
func ValidateServiceName(name string) error {
	if !serviceNameRE.MatchString(name) {
		return fmt.Errorf("service name %q must match %s", name, serviceNameRE.String())
	}
	return nil
}

// ValidateIPv4 checks that ip is a dotted-quad IPv4 address.
func ValidateIPv4(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("ip %q is not a valid IPv4 address", ip)
	}
	return nil
}

// ValidatePort checks that port is in [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d must be in range 1-65535", port)
	}
	return nil
}
