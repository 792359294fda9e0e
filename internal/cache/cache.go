// Package cache provides an in-memory response cache with least-recently-used
// eviction and a per-entry time to live.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// Config controls cache capacity and expiry.
type Config struct {
	// MaxSize is the maximum number of entries kept.
	MaxSize int
	// TTL is how long an entry stays visible after it was set.
	TTL time.Duration
}

// DefaultConfig returns the configuration used when a platform does not set one.
func DefaultConfig() Config {
	return Config{
		MaxSize: 1000,
		TTL:     time.Hour,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return domain.NewValidationError("max_size", "must be at least 1")
	}
	if c.TTL <= 0 {
		return domain.NewValidationError("ttl", "must be positive")
	}
	return nil
}

// Stats reports cache usage counters.
type Stats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock sets the clock used to age entries.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// Cache is a fixed-size LRU cache whose entries expire after a TTL. Expired
// entries are dropped lazily when they are read, or eagerly by Prune.
// It is safe for concurrent use.
type Cache[V any] struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	ttl         time.Duration
	maxSize     int
	lru         *simplelru.LRU[string, entry[V]]
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// New creates an empty cache.
func New[V any](cfg Config, opts ...Option) (*Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	lru, err := simplelru.NewLRU[string, entry[V]](cfg.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	return &Cache[V]{
		clock:   o.clock,
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		lru:     lru,
	}, nil
}

// Get returns the value stored under key and marks it recently used. A missing
// or expired entry counts as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && e.expired(c.clock.Now()) {
		c.lru.Remove(key)
		c.expirations++
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL, evicting the least recently
// used entry if the cache is full.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a custom TTL.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Add(key, entry[V]{value: value, insertedAt: c.clock.Now(), ttl: ttl}) {
		c.evictions++
	}
}

// Has reports whether a live entry exists for key. It does not touch recency
// or counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	return ok && !e.expired(c.clock.Now())
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear removes every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Prune removes all expired entries and returns how many were dropped.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.expirations += uint64(removed)
	return removed
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        c.lru.Len(),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
