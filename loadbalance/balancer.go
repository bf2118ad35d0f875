// Package loadbalance picks which display-server endpoint a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  the same application lands on the same server
package loadbalance

import (
	"errors"
	"fmt"

	"display-rpc/registry"
)

// ErrNoEndpoints is returned when there is nothing to pick from.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// key identifies the caller (the application name); strategies that do not
// need affinity ignore it. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)
	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
