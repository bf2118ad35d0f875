package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests.
// TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Endpoint)
	}
	r.services[service][ep.ID] = ep
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], id)
	r.notifyLocked(service)
	return nil
}

// Discover returns the endpoints of service ordered by id.
func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[service]
		for i, w := range watchers {
			if w == ch {
				r.watchers[service] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(service string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return endpoints
}

// notifyLocked replaces any undelivered list with the latest one.
func (r *MemoryRegistry) notifyLocked(service string) {
	list := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
