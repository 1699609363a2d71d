package core

import (
	"container/list"
	"sync"
	"time"

	"github.com/elum-utils/aiocensor/models"
)

const (
	B  int = 1
	KB     = 1024 * B
	MB     = 1024 * KB
)

type verdictCacheEntry struct {
	key       string
	value     models.AggregateVerdict
	expiresAt time.Time
	sizeBytes int
}

// verdictCache is an in-memory LRU cache with TTL bounded by an estimate
// of its size in bytes.
type verdictCache struct {
	mu         sync.Mutex
	maxBytes   int64
	totalBytes int64
	items      map[string]*list.Element
	lru        *list.List
}

func newVerdictCache(maxBytes int64) *verdictCache {
	if maxBytes <= 0 {
		return nil
	}
	return &verdictCache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (c *verdictCache) Get(key string, now time.Time) (models.AggregateVerdict, bool) {
	if c == nil || key == "" {
		return models.AggregateVerdict{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return models.AggregateVerdict{}, false
	}
	entry := elem.Value.(*verdictCacheEntry)
	if now.After(entry.expiresAt) {
		c.removeElement(elem)
		return models.AggregateVerdict{}, false
	}
	c.lru.MoveToFront(elem)
	return entry.value, true
}

func (c *verdictCache) Set(key string, value models.AggregateVerdict, ttl time.Duration, now time.Time) {
	if c == nil || key == "" || ttl <= 0 {
		return
	}
	expiresAt := now.Add(ttl)
	newSize := estimateEntrySizeBytes(key, value)
	if int64(newSize) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*verdictCacheEntry)
		c.totalBytes -= int64(entry.sizeBytes)
		entry.value = value
		entry.expiresAt = expiresAt
		entry.sizeBytes = newSize
		c.totalBytes += int64(newSize)
		c.lru.MoveToFront(elem)
		c.evictToFitLocked()
		return
	}

	entry := &verdictCacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
		sizeBytes: newSize,
	}
	elem := c.lru.PushFront(entry)
	c.items[key] = elem
	c.totalBytes += int64(newSize)
	c.evictToFitLocked()
}

// Purge drops every entry. Rule reloads call it since cached verdicts may
// no longer hold.
func (c *verdictCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	c.totalBytes = 0
	c.mu.Unlock()
}

func (c *verdictCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *verdictCache) RemoveExpired(now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*verdictCacheEntry)
		if now.After(entry.expiresAt) {
			c.removeElement(elem)
		}
		elem = prev
	}
}

func (c *verdictCache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*verdictCacheEntry)
	delete(c.items, entry.key)
	c.lru.Remove(elem)
	c.totalBytes -= int64(entry.sizeBytes)
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
}

func (c *verdictCache) evictToFitLocked() {
	for c.totalBytes > c.maxBytes && c.lru.Len() > 0 {
		c.removeElement(c.lru.Back())
	}
}

func estimateEntrySizeBytes(key string, v models.AggregateVerdict) int {
	// Fixed overhead of the entry and the aggregate's scalars.
	size := 128 + len(key) + len(v.Primary)
	size += stringsSize(v.Reasons) + stringsSize(v.Keywords) + categoriesSize(v.Categories)
	for _, o := range v.Outcomes {
		size += 64 + len(o.Provider) + len(o.Error)
	}
	for _, pv := range v.Verdicts {
		size += 64 + len(pv.Provider)
		size += stringsSize(pv.Reasons) + stringsSize(pv.Keywords) + categoriesSize(pv.Categories)
	}
	return size
}

func stringsSize(ss []string) int {
	n := 16 * len(ss)
	for _, s := range ss {
		n += len(s)
	}
	return n
}

func categoriesSize(cs []models.Category) int {
	n := 16 * len(cs)
	for _, c := range cs {
		n += len(c)
	}
	return n
}
