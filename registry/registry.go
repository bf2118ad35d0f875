// Package registry advertises display-server endpoints so clients can find a
// server socket without a hard-coded path.
package registry

import "context"

// Endpoint is one display-server instance.
type Endpoint struct {
	ID      string `json:"id"`      // Unique per server process
	Addr    string `json:"addr"`    // AF_UNIX socket path
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Protocol version the server speaks
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, id string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
