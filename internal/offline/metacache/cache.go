// Package metacache caches remote metadata fetched during a bulk-download
// session so repeated requests for the same manga or chapter do not hit the
// network again.
package metacache

import (
	"fmt"
	"sync"
	"time"

	"github.com/tomeshelf/tomeshelf/internal/offline"
)

// DefaultTTL is how long a cached entry stays valid after insertion.
const DefaultTTL = 5 * time.Minute

// DefaultCapacity bounds each cache independently.
const DefaultCapacity = 100

type entry[T any] struct {
	value      T
	insertedAt time.Time
}

// Cache is a TTL plus capacity bounded map. Expiry is lazy: stale entries are
// evicted on read. When full, inserting a new key evicts the single
// oldest-inserted entry (insertion order, not access order).
type Cache[T any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]entry[T]
	order    []string
	now      func() time.Time
}

// NewCache builds a Cache with the given ttl and capacity; non-positive
// arguments fall back to the defaults.
func NewCache[T any](ttl time.Duration, capacity int) *Cache[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[T]{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]entry[T]),
		now:      time.Now,
	}
}

// Get returns the cached value for key. A stale entry is evicted and reported
// as a miss.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. Overwriting an existing key refreshes its
// insertion time without consuming capacity.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.delete(key)
	} else if len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.delete(c.order[0])
	}
	c.entries[key] = entry[T]{value: value, insertedAt: c.now()}
	c.order = append(c.order, key)
}

// Delete removes key if present.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delete(key)
}

// Len returns the number of live entries, counting stale ones not yet
// evicted.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
	c.order = c.order[:0]
}

func (c *Cache[T]) delete(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Store bundles the two independent metadata caches used by the worker.
type Store struct {
	Manga *Cache[offline.MangaDetails]
	Pages *Cache[[]offline.PageRef]
}

// NewStore builds both caches with a shared ttl and capacity.
func NewStore(ttl time.Duration, capacity int) *Store {
	return &Store{
		Manga: NewCache[offline.MangaDetails](ttl, capacity),
		Pages: NewCache[[]offline.PageRef](ttl, capacity),
	}
}

// MangaKey builds the composite key for manga details.
func MangaKey(extensionID, mangaID string) string {
	return fmt.Sprintf("%s:%s", extensionID, mangaID)
}

// PagesKey builds the composite key for chapter page listings.
func PagesKey(extensionID, mangaID, chapterID string) string {
	return fmt.Sprintf("%s:%s:%s", extensionID, mangaID, chapterID)
}
