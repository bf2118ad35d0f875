package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix is the etcd key space every endpoint lives under:
//
//	Key:   /display-rpc/{service}/{endpoint id}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server dies, the lease expires
// and the entry disappears with it.
const Prefix = "/display-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &EtcdRegistry{client: c, logger: logger.Named("registry")}, nil
}

func key(service, id string) string {
	return Prefix + service + "/" + id
}

// Register stores ep under a lease of ttl seconds and keeps the lease alive
// until Deregister or process exit.
//
// The lease id stays local: several servers may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(service, ep.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", ep.ID, err)
	}

	// The keepalive outlives the registration call.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("service", service), zap.String("id", ep.ID))
	}()

	r.logger.Info("endpoint registered", zap.String("service", service), zap.String("id", ep.ID),
		zap.String("addr", ep.Addr), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, id string) error {
	if _, err := r.client.Delete(ctx, key(service, id)); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	r.logger.Info("endpoint deregistered", zap.String("service", service), zap.String("id", id))
	return nil
}

// Watch emits the full endpoint list of service after every change, until ctx
// ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	prefix := Prefix + service + "/"

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			// Re-fetching the list is simpler than applying individual events.
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("rediscover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns every endpoint currently registered for service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, Prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", service, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
