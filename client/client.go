package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"display-rpc/loadbalance"
	"display-rpc/registry"
	"display-rpc/transport"
)

// Client finds a display server through a registry and connects to it.
type Client struct {
	registry registry.Registry // Where display servers advertise their sockets
	balancer loadbalance.Balancer
	service  string
	opts     Options
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, service string, opts Options) *Client {
	return &Client{
		registry: reg,
		balancer: bal,
		service:  service,
		opts:     opts,
	}
}

// Connect discovers the servers of the client's service, picks one for
// appName, and runs the connect handshake on it.
func (c *Client) Connect(ctx context.Context, appName string) (*Connection, error) {
	endpoints, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", c.service, err)
	}

	ep, err := c.balancer.Pick(appName, endpoints)
	if err != nil {
		return nil, fmt.Errorf("pick %s endpoint: %w", c.service, err)
	}
	if c.opts.Logger != nil {
		c.opts.Logger.Debug("endpoint picked", zap.String("service", c.service), zap.String("id", ep.ID),
			zap.String("addr", ep.Addr), zap.String("balancer", c.balancer.Name()))
	}

	t, err := transport.Dial(ep.Addr)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, t, appName, c.opts)
}
