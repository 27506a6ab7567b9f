package interfaces

import (
	"context"

	"localmesh/domain"
)

// RegistryClient talks to the registry HTTP surface. Implemented by
// registryclient.HTTP; consumed by the DNS front-end (Resolve) and the
// heartbeat client (Register/Heartbeat/Deregister).
type RegistryClient interface {
	Register(ctx context.Context, name, ip string, port int, metadata map[string]any) (domain.Instance, error)
	Heartbeat(ctx context.Context, name, ip string, port int) (domain.Instance, error)
	Resolve(ctx context.Context, name string) ([]domain.Instance, error)
	Deregister(ctx context.Context, name, ip string, port int) (domain.Instance, error)
}
