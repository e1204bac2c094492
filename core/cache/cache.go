// Package cache provides LRU caching for conversion results and rendered documents.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/FocuswithJustin/Glossa/core/textproc"
)

// Cache is a generic LRU cache interface.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)

	// Put stores a value in the cache.
	Put(key K, value V)

	// Remove removes a value from the cache.
	Remove(key K)

	// Clear removes all entries from the cache.
	Clear()

	// Len returns the number of entries in the cache.
	Len() int

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats contains cache statistics.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Size       int
	MaxSize    int
	TotalBytes int64
}

// Config contains cache configuration options.
type Config struct {
	// MaxSize is the maximum number of entries (0 = unlimited).
	MaxSize int

	// TTL is the time-to-live for entries (0 = no expiration).
	TTL time.Duration

	// OnEvict is called when an entry is evicted.
	OnEvict func(key, value interface{})
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 100,
		TTL:     0,
		OnEvict: nil,
	}
}

// entry represents a cache entry.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// lruCache is a thread-safe LRU cache implementation.
type lruCache[K comparable, V any] struct {
	mu        sync.RWMutex
	config    Config
	entries   map[K]*list.Element
	evictList *list.List
	stats     Stats
}

// NewLRUCache creates a new LRU cache with the given configuration.
func NewLRUCache[K comparable, V any](config Config) Cache[K, V] {
	return newLRUCache[K, V](config)
}

func newLRUCache[K comparable, V any](config Config) *lruCache[K, V] {
	if config.MaxSize < 0 {
		config.MaxSize = 0
	}

	return &lruCache[K, V]{
		config:    config,
		entries:   make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Get retrieves a value from the cache.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	// Check if expired
	e := ent.Value.(*entry[K, V])
	if c.config.TTL > 0 && time.Now().After(e.expiresAt) {
		c.removeElement(ent)
		c.stats.Misses++
		var zero V
		return zero, false
	}

	// Move to front (most recently used)
	c.evictList.MoveToFront(ent)
	c.stats.Hits++
	return e.value, true
}

// Put stores a value in the cache.
func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if entry already exists
	if ent, ok := c.entries[key]; ok {
		c.evictList.MoveToFront(ent)
		e := ent.Value.(*entry[K, V])
		e.value = value
		if c.config.TTL > 0 {
			e.expiresAt = time.Now().Add(c.config.TTL)
		}
		return
	}

	// Add new entry
	e := &entry[K, V]{
		key:   key,
		value: value,
	}
	if c.config.TTL > 0 {
		e.expiresAt = time.Now().Add(c.config.TTL)
	}

	ent := c.evictList.PushFront(e)
	c.entries[key] = ent

	// Evict oldest entry if necessary
	if c.config.MaxSize > 0 && c.evictList.Len() > c.config.MaxSize {
		c.removeOldest()
	}
}

// Remove removes a value from the cache.
func (c *lruCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[key]; ok {
		c.removeElement(ent)
	}
}

// Clear removes all entries from the cache.
func (c *lruCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*list.Element)
	c.evictList.Init()
	c.stats.Size = 0
}

// Len returns the number of entries in the cache.
func (c *lruCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evictList.Len()
}

// Stats returns cache statistics.
func (c *lruCache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	s.Size = c.evictList.Len()
	s.MaxSize = c.config.MaxSize
	return s
}

// evictOldest removes the least recently used entry. It reports whether an
// entry was evicted.
func (c *lruCache[K, V]) evictOldest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.evictList.Back()
	if ent == nil {
		return false
	}
	c.removeElement(ent)
	c.stats.Evictions++
	return true
}

// removeOldest removes the oldest entry from the cache.
func (c *lruCache[K, V]) removeOldest() {
	ent := c.evictList.Back()
	if ent != nil {
		c.removeElement(ent)
		c.stats.Evictions++
	}
}

// removeElement removes an element from the cache.
func (c *lruCache[K, V]) removeElement(ent *list.Element) {
	c.evictList.Remove(ent)
	e := ent.Value.(*entry[K, V])
	delete(c.entries, e.key)

	if c.config.OnEvict != nil {
		c.config.OnEvict(e.key, e.value)
	}
}

// TextCache is a specialized cache for text conversion results. Entries are
// keyed by the exact source text and are only meaningful for the rule set
// version the cache was created with; callers swap in a fresh cache when the
// rules change.
type TextCache struct {
	version string
	cache   Cache[string, textproc.Result]
}

// NewTextCache creates a new conversion result cache bound to a rule set
// version.
func NewTextCache(version string, config Config) *TextCache {
	return &TextCache{
		version: version,
		cache:   NewLRUCache[string, textproc.Result](config),
	}
}

// NewDefaultTextCache creates a conversion result cache with default
// configuration.
func NewDefaultTextCache(version string) *TextCache {
	config := DefaultConfig()
	config.MaxSize = 4096 // Text spans are small, keep many
	return NewTextCache(version, config)
}

// Version returns the rule set version this cache was created for.
func (c *TextCache) Version() string {
	return c.version
}

// ValidFor reports whether cached entries are valid for the given rule set
// version.
func (c *TextCache) ValidFor(version string) bool {
	return c.version == version
}

// Get retrieves a conversion result by its source text.
func (c *TextCache) Get(source string) (textproc.Result, bool) {
	return c.cache.Get(source)
}

// Put stores a conversion result under its source text.
func (c *TextCache) Put(source string, result textproc.Result) {
	c.cache.Put(source, result)
}

// Remove removes a conversion result from the cache.
func (c *TextCache) Remove(source string) {
	c.cache.Remove(source)
}

// Clear removes all conversion results from the cache.
func (c *TextCache) Clear() {
	c.cache.Clear()
}

// Len returns the number of cached conversion results.
func (c *TextCache) Len() int {
	return c.cache.Len()
}

// Stats returns cache statistics.
func (c *TextCache) Stats() Stats {
	return c.cache.Stats()
}

// RenderCache is a byte-bounded cache for rendered document HTML, keyed by
// document content hash. The preview server uses it to skip re-serializing
// documents that have not changed between pushes.
type RenderCache struct {
	mu       sync.Mutex
	cache    *lruCache[string, []byte]
	maxBytes int64
	curBytes int64
}

// NewRenderCache creates a render cache limited to maxBytes of stored output
// (0 = unlimited).
func NewRenderCache(config Config, maxBytes int64) *RenderCache {
	rc := &RenderCache{maxBytes: maxBytes}

	// Intercept evictions to keep the byte count honest. All cache access is
	// serialized through rc.mu, so the callback may touch curBytes directly.
	userEvict := config.OnEvict
	config.OnEvict = func(key, value interface{}) {
		if b, ok := value.([]byte); ok {
			rc.curBytes -= int64(len(b))
		}
		if userEvict != nil {
			userEvict(key, value)
		}
	}

	rc.cache = newLRUCache[string, []byte](config)
	return rc
}

// NewDefaultRenderCache creates a render cache with default configuration.
func NewDefaultRenderCache() *RenderCache {
	config := DefaultConfig()
	config.MaxSize = 32 // Rendered documents are large, keep few
	return NewRenderCache(config, 8<<20)
}

// Get retrieves rendered output by content hash.
func (c *RenderCache) Get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(hash)
}

// Put stores rendered output, evicting old entries until it fits. Output
// larger than the byte limit is not cached at all.
func (c *RenderCache) Put(hash string, rendered []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(rendered))
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	for c.maxBytes > 0 && c.curBytes+size > c.maxBytes {
		if !c.cache.evictOldest() {
			break
		}
	}

	c.cache.Put(hash, rendered)
	c.curBytes += size
}

// Remove removes rendered output from the cache.
func (c *RenderCache) Remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(hash)
}

// Clear removes all rendered output from the cache.
func (c *RenderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
	c.curBytes = 0
}

// Len returns the number of cached documents.
func (c *RenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Stats returns cache statistics including byte size information.
func (c *RenderCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.cache.Stats()
	stats.TotalBytes = c.curBytes
	return stats
}
