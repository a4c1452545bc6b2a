package cache

import (
	"container/list"
	"expvar"
	"sync"

	"github.com/INLOpen/nexustree/core"
)

// cacheEntry holds the block id and decoded payload for a cached block.
type cacheEntry struct {
	id    core.BlockID
	value []byte
}

// LRUCache implements a fixed-size LRU cache of decompressed block payloads,
// keyed by BlockID. A capacity <= 0 disables the cache entirely.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[core.BlockID]*list.Element
	onEvicted  func(id core.BlockID, value []byte)
	onHit      func(id core.BlockID) // Optional: called on a cache hit.
	onMiss     func(id core.BlockID) // Optional: called on a cache miss.

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface = (*LRUCache)(nil)

// NewLRUCache creates a new LRUCache.
func NewLRUCache(capacity int, onEvicted func(id core.BlockID, value []byte), onHit, onMiss func(id core.BlockID)) *LRUCache {
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[core.BlockID]*list.Element),
		onEvicted:  onEvicted,
		onHit:      onHit,
		onMiss:     onMiss,
	}
}

func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a block payload from the cache.
func (c *LRUCache) Get(id core.BlockID) (value []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		// A disabled cache records neither hits nor misses.
		return nil, false
	}

	if elem, ok := c.cacheItems[id]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(id)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(id)
	}
	return nil, false
}

// Put adds a block payload to the cache.
func (c *LRUCache) Put(id core.BlockID, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[id]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	newEntry := &cacheEntry{id: id, value: value}
	element := c.lruList.PushFront(newEntry)
	c.cacheItems[id] = element
}

// Len returns the current number of items in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Must be called with c.mu locked.
func (c *LRUCache) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removedEntry := c.lruList.Remove(elem).(*cacheEntry)
		delete(c.cacheItems, removedEntry.id)
		if c.onEvicted != nil {
			c.onEvicted(removedEntry.id, removedEntry.value)
		}
	}
}

// Clear removes all entries from the cache, invoking onEvicted for each so
// pooled resources can be returned.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			c.onEvicted(elem.Value.(*cacheEntry).id, elem.Value.(*cacheEntry).value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[core.BlockID]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate. Useful for expvar.Func.
func (c *LRUCache) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
