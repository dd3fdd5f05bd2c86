package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync/atomic"

	"lwf/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring
// so that a handful of instances still spread evenly.
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
//
// A ring is built for each distinct instance set Pick sees and swapped in
// whole, so concurrent picks never observe a half-built ring.
type ConsistentHashBalancer struct {
	replicas int
	current  atomic.Pointer[hashRing]
}

type hashRing struct {
	set    string            // sorted addresses the ring was built from
	hashes []uint32          // sorted hash values on the ring
	nodes  map[uint32]string // hash value → instance address
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// newHashRing places every address on the ring with replicas virtual
// nodes, each hashed from "{addr}#{i}".
func newHashRing(addrs []string, set string, replicas int) *hashRing {
	r := &hashRing{
		set:    set,
		hashes: make([]uint32, 0, len(addrs)*replicas),
		nodes:  make(map[uint32]string, len(addrs)*replicas),
	}
	for _, addr := range addrs {
		for i := 0; i < replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			r.hashes = append(r.hashes, hash)
			r.nodes[hash] = addr
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup hashes the key, then binary-searches for the first node >= hash,
// wrapping around to the first node past the end.
func (r *hashRing) lookup(key string) string {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}

func (b *ConsistentHashBalancer) ringFor(instances []registry.ServiceInstance) *hashRing {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	if r := b.current.Load(); r != nil && r.set == set {
		return r
	}
	r := newHashRing(addrs, set, b.replicas)
	b.current.Store(r)
	return r
}

// PickKey finds the instance responsible for key among instances.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addr := b.ringFor(instances).lookup(key)
	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("hash ring chose %s, which is not among the instances", addr)
}

// Pick without a key always lands on the same instance.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey(instances, "")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
