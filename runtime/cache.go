package runtime

import (
	"container/list"
	"sync"
)

// PlanCache keeps prepared programs keyed by operation hash, evicting the
// least recently used entry beyond its capacity. A capacity of zero disables
// caching: every lookup builds and nothing is retained.
type PlanCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recent
	entries  map[uint64]*list.Element
	onEvict  func(*Prepared)
}

type cacheEntry struct {
	key  uint64
	plan *Prepared
}

// NewPlanCache creates a cache holding up to capacity plans. onEvict, when
// non-nil, is called for every plan that leaves the cache.
func NewPlanCache(capacity int, onEvict func(*Prepared)) *PlanCache {
	return &PlanCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
		onEvict:  onEvict,
	}
}

// Get returns the plan stored under key.
func (c *PlanCache) Get(key uint64) (*Prepared, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).plan, true
}

// GetOrBuild returns the cached plan for key, or builds and stores one. The
// boolean reports a cache hit.
func (c *PlanCache) GetOrBuild(key uint64, build func() (*Prepared, error)) (*Prepared, bool, error) {
	if p, ok := c.Get(key); ok {
		return p, true, nil
	}
	p, err := build()
	if err != nil {
		return nil, false, err
	}
	c.put(key, p)
	return p, false, nil
}

func (c *PlanCache) put(key uint64, p *Prepared) {
	var evicted []*Prepared

	c.mu.Lock()
	if c.capacity <= 0 {
		c.mu.Unlock()
		// Uncached plans are released by the caller after use.
		return
	}
	if el, ok := c.entries[key]; ok {
		if old := el.Value.(*cacheEntry).plan; old != p {
			evicted = append(evicted, old)
		}
		el.Value = &cacheEntry{key: key, plan: p}
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(&cacheEntry{key: key, plan: p})
	}
	for c.order.Len() > c.capacity {
		el := c.order.Back()
		e := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.entries, e.key)
		evicted = append(evicted, e.plan)
	}
	c.mu.Unlock()

	c.evict(evicted)
}

// Contains reports whether key is cached.
func (c *PlanCache) Contains(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear evicts every plan.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	var evicted []*Prepared
	for el := c.order.Front(); el != nil; el = el.Next() {
		evicted = append(evicted, el.Value.(*cacheEntry).plan)
	}
	c.order.Init()
	c.entries = make(map[uint64]*list.Element)
	c.mu.Unlock()

	c.evict(evicted)
}

func (c *PlanCache) evict(plans []*Prepared) {
	if c.onEvict == nil {
		return
	}
	for _, p := range plans {
		c.onEvict(p)
	}
}
