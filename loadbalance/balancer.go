// Package loadbalance picks the endpoint a connection is opened against.
//
// A Manager owns exactly one link for its lifetime, so balancing happens once
// per connection, at dial time:
//   - RoundRobin:      successive connections spread evenly
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  a given client key always lands on the same instance
package loadbalance

import (
	"fmt"

	"mux-rpc/registry"
)

// Balancer selects one instance from the discovered list. Pick must be safe
// for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name. key is only used by
// "consistent_hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}

func noInstances() error {
	return fmt.Errorf("loadbalance: %w", registry.ErrNoInstances)
}
