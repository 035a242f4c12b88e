package service

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// DefaultVirtualNodes is the number of ring points per instance
const DefaultVirtualNodes = 100

type ringPoint struct {
	hash uint64
	id   string
}

// HashRing maps keys to instance ids so that a membership change only remaps the keys
// owned by the added or removed instance.
type HashRing struct {
	points []ringPoint
}

// NewHashRing builds a ring with vnodes points per instance id
func NewHashRing(ids []string, vnodes int) *HashRing {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}

	points := make([]ringPoint, 0, len(ids)*vnodes)
	for _, id := range ids {
		for i := 0; i < vnodes; i++ {
			points = append(points, ringPoint{
				hash: xxhash.Sum64String(id + "#" + strconv.Itoa(i)),
				id:   id,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].id < points[j].id
		}
		return points[i].hash < points[j].hash
	})

	return &HashRing{points: points}
}

// Lookup returns the id owning the first ring point at or after hash(key), wrapping
// around to the start of the ring.
func (r *HashRing) Lookup(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].id, true
}

// Size returns the number of points on the ring
func (r *HashRing) Size() int {
	return len(r.points)
}

type cachedRing struct {
	signature string
	ring      *HashRing
}

// ringCache keeps one ring per service type and rebuilds it only when the candidate
// membership changes.
type ringCache struct {
	mu     sync.Mutex
	vnodes int
	rings  map[domain.ServiceType]cachedRing
}

func newRingCache(vnodes int) *ringCache {
	return &ringCache{
		vnodes: vnodes,
		rings:  make(map[domain.ServiceType]cachedRing),
	}
}

func (c *ringCache) get(serviceType domain.ServiceType, candidates []*domain.ServiceInstance) *HashRing {
	ids := make([]string, len(candidates))
	for i, inst := range candidates {
		ids[i] = inst.ID
	}
	sort.Strings(ids)
	signature := strings.Join(ids, "\x00")

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.rings[serviceType]; ok && cached.signature == signature {
		return cached.ring
	}
	ring := NewHashRing(ids, c.vnodes)
	c.rings[serviceType] = cachedRing{signature: signature, ring: ring}
	return ring
}
