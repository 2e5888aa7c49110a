// Package registry resolves a service name to the endpoints that serve it.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned when a service has no registered endpoint.
var ErrNoInstances = errors.New("registry: no instances")

// ServiceInstance is one reachable endpoint of a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`   // dialable endpoint, e.g. ws://10.0.0.5:9000/rpc
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch streams the full instance list each time it changes, until ctx
	// ends. Dial resolves once; Watch is for callers that rebuild their
	// Managers as instances come and go.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
}
