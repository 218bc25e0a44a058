package registry

import "context"

// ServiceInstance is one server endpoint of a service.
type ServiceInstance struct {
	URI     string `json:"uri"`
	Weight  int    `json:"weight"` // Weight for failswitch
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, uri string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
