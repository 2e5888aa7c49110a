package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mux-rpc/loadbalance"
	"mux-rpc/registry"
	"mux-rpc/transport"
)

// ResolveEndpoint discovers the instances of service and lets bal pick one.
func ResolveEndpoint(ctx context.Context, reg registry.Registry, service string, bal loadbalance.Balancer) (string, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return "", err
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

// Dial builds a Manager for endpoint, binds a Client to it and opens the
// connection. The Manager takes the client's logger unless mgrOpts sets one.
func Dial(ctx context.Context, endpoint string, mgrOpts []transport.Option, opts ...Option) (*Client, error) {
	cfg := &Client{logger: zap.NewNop()}
	for _, o := range opts {
		o(cfg)
	}
	mgrOpts = append([]transport.Option{transport.WithLogger(cfg.logger)}, mgrOpts...)

	c := New(transport.NewManager(endpoint, mgrOpts...), opts...)
	if err := c.Open(ctx); err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", endpoint, err)
	}
	return c, nil
}

// DialService resolves service through reg and bal, then dials the chosen
// endpoint.
func DialService(ctx context.Context, reg registry.Registry, service string, bal loadbalance.Balancer, mgrOpts []transport.Option, opts ...Option) (*Client, error) {
	endpoint, err := ResolveEndpoint(ctx, reg, service, bal)
	if err != nil {
		return nil, fmt.Errorf("client: resolve %q via %s: %w", service, bal.Name(), err)
	}
	return Dial(ctx, endpoint, mgrOpts, opts...)
}
