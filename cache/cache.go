// Package cache provides the bounded LRU embedding cache that sits in front
// of the RPC channel. Keys are deliberately cheap: the is-query flag plus a
// bounded prefix of the input text, not a hash of the full text. Near
// duplicate long inputs sharing a prefix are rare in this workload, and a
// false hit costs mild staleness at the consuming layer, not correctness.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/embedbridge/errors"
)

const (
	// DefaultCapacity bounds the number of cached embeddings.
	DefaultCapacity = 256
	// DefaultPrefixLen bounds how many runes of the input participate in
	// the cache key.
	DefaultPrefixLen = 256
)

// Key identifies a cached embedding.
type Key struct {
	IsQuery bool
	Prefix  string
}

type entry struct {
	key    Key
	vector []float32
}

// EmbeddingCache is a thread-safe strict-LRU cache from (is-query, text
// prefix) to embedding vector. Any read of an existing key promotes it to
// most recently used; writes beyond capacity evict the single least
// recently used entry.
//
// The cache carries a version tag naming the backend and model that
// produced its vectors. Retagging with a different value clears the cache,
// so vectors from one model are never mixed with vectors from another.
type EmbeddingCache struct {
	mu        sync.Mutex
	capacity  int
	prefixLen int
	version   string
	items     map[Key]*list.Element
	order     *list.List // front = most recently used

	stats   Stats
	metrics *cacheMetrics
}

// Stats counts cache activity since the last reset.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Resets    uint64
}

// Option configures an EmbeddingCache.
type Option func(*EmbeddingCache) error

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(c *EmbeddingCache) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "EmbeddingCache", "WithCapacity", "capacity must be positive")
		}
		c.capacity = n
		return nil
	}
}

// WithPrefixLen sets how many runes of the input text form the key.
func WithPrefixLen(n int) Option {
	return func(c *EmbeddingCache) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "EmbeddingCache", "WithPrefixLen", "prefix length must be positive")
		}
		c.prefixLen = n
		return nil
	}
}

// WithMetrics registers hit/miss/eviction counters on reg.
func WithMetrics(reg prometheus.Registerer, prefix string) Option {
	return func(c *EmbeddingCache) error {
		m, err := newCacheMetrics(reg, prefix)
		if err != nil {
			return errors.WrapTransient(err, "EmbeddingCache", "WithMetrics", "metrics registration")
		}
		c.metrics = m
		return nil
	}
}

// New creates an embedding cache.
func New(opts ...Option) (*EmbeddingCache, error) {
	c := &EmbeddingCache{
		capacity:  DefaultCapacity,
		prefixLen: DefaultPrefixLen,
		items:     make(map[Key]*list.Element),
		order:     list.New(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// keyFor builds the cache key from the is-query flag and a bounded prefix
// of the text.
func (c *EmbeddingCache) keyFor(isQuery bool, text string) Key {
	runes := []rune(text)
	if len(runes) > c.prefixLen {
		runes = runes[:c.prefixLen]
	}
	return Key{IsQuery: isQuery, Prefix: string(runes)}
}

// Get returns the cached vector for the text, promoting the entry to most
// recently used.
func (c *EmbeddingCache) Get(isQuery bool, text string) ([]float32, bool) {
	key := c.keyFor(isQuery, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return el.Value.(*entry).vector, true
}

// Put stores the vector under the text's key, evicting the least recently
// used entry when the cache is full.
func (c *EmbeddingCache) Put(isQuery bool, text string, vector []float32) {
	key := c.keyFor(isQuery, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).vector = vector
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, vector: vector})
	c.items[key] = el

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (c *EmbeddingCache) evictLRU() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.order.Remove(back)
	delete(c.items, e.key)
	c.stats.Evictions++
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
}

// Reset clears the cache wholesale. Callers must invoke it whenever
// assumptions about which backend or model produced previous embeddings
// become invalid, including after a forced sandbox reinitialization.
func (c *EmbeddingCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Retag records the backend/model version that produces incoming vectors.
// A tag change clears the cache; retagging with the current tag is a no-op.
func (c *EmbeddingCache) Retag(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version == version {
		return
	}
	c.version = version
	c.clearLocked()
}

// Version returns the current backend/model version tag.
func (c *EmbeddingCache) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *EmbeddingCache) clearLocked() {
	c.items = make(map[Key]*list.Element)
	c.order.Init()
	c.stats.Resets++
	if c.metrics != nil {
		c.metrics.resets.Inc()
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cache counters.
func (c *EmbeddingCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	resets    prometheus.Counter
}

func newCacheMetrics(reg prometheus.Registerer, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_hits_total",
			Help: "Embedding cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_misses_total",
			Help: "Embedding cache misses.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_evictions_total",
			Help: "Embedding cache LRU evictions.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_resets_total",
			Help: "Embedding cache wholesale resets.",
		}),
	}
	for _, col := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.resets} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}
