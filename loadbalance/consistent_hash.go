package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"mux-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a fixed client key onto a hash ring of the
// instances, so the same client reconnects to the same instance for as long as
// that instance is listed. Removing one instance only moves the keys it held.
//
// Each instance is placed on the ring as replicas virtual nodes hashed from
// "{addr}#{i}":
//
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: defaultReplicas}
}

// Pick builds the ring for instances and returns the owner of the client key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}

	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i := range instances {
		for r := 0; r < b.replicas; r++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instances[i].Addr, r)))
			if _, taken := nodes[h]; taken {
				continue
			}
			ring = append(ring, h)
			nodes[h] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return &instances[nodes[ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
