package retrieval

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/memstore"
)

// cacheEntry is one cached result set with its bookkeeping for TTL and
// LRU eviction.
type cacheEntry struct {
	results      []Result
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// queryCache is the TTL + LRU query-pattern cache in front of the search
// pipeline. One shared map guarded by a single mutex; eviction walks for
// the stalest lastAccessed when full.
type queryCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64
	now     func() time.Time
}

func newQueryCache(ttl time.Duration, maxSize int, now func() time.Time) *queryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &queryCache{
		entries: make(map[uint64]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// cacheKey hashes the request fields that determine the result set:
// query text, the coarse-quantized first 10 embedding components, tier
// filter, search type, limit, and the lineage/insight toggles. Coarse
// quantization lets two near-identical query embeddings share an entry.
func cacheKey(req *Request) uint64 {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)); _, _ = h.Write([]byte{0}) }

	write(req.QueryText)
	for i := 0; i < 10 && i < len(req.QueryEmbedding); i++ {
		write(fmt.Sprintf("%.2f", req.QueryEmbedding[i]))
	}
	if req.Tier != nil {
		write(string(*req.Tier))
	} else {
		write("any")
	}
	write(searchType(req))
	write(fmt.Sprintf("%d", req.Limit))
	write(fmt.Sprintf("%t", req.IncludeLineage))
	write(fmt.Sprintf("%t", req.IncludeInsights))
	return h.Sum64()
}

func searchType(req *Request) string {
	switch {
	case len(req.QueryEmbedding) > 0 && req.QueryText != "":
		return "hybrid"
	case len(req.QueryEmbedding) > 0:
		return "vector"
	default:
		return "text"
	}
}

// get returns the cached results for key if present and fresh, updating
// the entry's access stats.
func (c *queryCache) get(key uint64) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if now.Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	e.lastAccessed = now
	e.accessCount++
	c.hits++
	return e.results, true
}

// put stores a result set, evicting the least recently used entry when
// the cache is full.
func (c *queryCache) put(key uint64, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[key] = &cacheEntry{
		results:      results,
		createdAt:    now,
		lastAccessed: now,
	}
}

func (c *queryCache) evictLRU() {
	var oldestKey uint64
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessed.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// cleanup removes expired entries; called periodically by the engine.
func (c *queryCache) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// hitRatio returns hits/(hits+misses), 0 before any lookup.
func (c *queryCache) hitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *queryCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// tierPtr is a small helper for building requests with a tier filter.
func tierPtr(t memstore.Tier) *memstore.Tier { return &t }
