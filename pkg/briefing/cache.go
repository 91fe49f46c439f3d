package briefing

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a thread-safe LRU+TTL cache of generated Briefings, keyed by
// (agent_id, graph_version) (spec §4.9: "a small LRU-ish BriefingCache
// keyed by (agent_id, graph_version) with TTL"). Shaped like an
// LRU+TTL query cache: hash-free string key here since the key is
// already a short composite, same doubly-linked-list LRU ordering plus
// lazy TTL expiry on Get.
type Cache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration

	list  *list.List
	items map[string]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       string
	value     *Briefing
	expiresAt time.Time
}

// NewCache returns a Cache bounded to maxSize entries, each expiring
// ttl after insertion. ttl of zero disables expiration.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

func cacheKey(agentID string, version uint64) string {
	return agentID + "@" + uintToString(version)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Get returns the cached Briefing for (agentID, version), if present and
// unexpired.
func (c *Cache) Get(agentID string, version uint64) (*Briefing, bool) {
	key := cacheKey(agentID, version)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.list.Remove(elem)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	c.list.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Put inserts or replaces the cached Briefing for (agentID, version).
func (c *Cache) Put(agentID string, version uint64, b *Briefing) {
	key := cacheKey(agentID, version)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = b
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.list.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}

	entry := &cacheEntry{key: key, value: b}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats reports cumulative hit/miss counts.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns the cache's cumulative hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}
