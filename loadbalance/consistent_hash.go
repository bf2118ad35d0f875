package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"display-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so the same
// application keeps landing on the same server until the endpoint set changes.
//
// Each endpoint owns many virtual nodes; without them a few endpoints could
// cluster on the ring and take uneven shares of the keys.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ids   string                        // Endpoint set the ring was built from
	ring  []uint32                      // Sorted hash values on the ring
	nodes map[uint32]*registry.Endpoint // Hash value → endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places ep onto the ring with its virtual nodes.
func (b *ConsistentHashBalancer) Add(ep *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(ep)
}

func (b *ConsistentHashBalancer) addLocked(ep *registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.ID, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick returns the endpoint owning key. The ring is rebuilt whenever the
// endpoint set differs from the one it was built from.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ids := endpointSet(endpoints); ids != b.ids {
		b.ids = ids
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.Endpoint, len(endpoints)*b.replicas)
		for i := range endpoints {
			ep := endpoints[i]
			b.addLocked(&ep)
		}
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

func endpointSet(endpoints []registry.Endpoint) string {
	ids := make([]string, len(endpoints))
	for i := range endpoints {
		ids[i] = endpoints[i].ID + "@" + endpoints[i].Addr
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
