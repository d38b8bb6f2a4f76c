// Package cache implements the bounded, process-local response cache.
// Entries are keyed by a tenant-prefixed fingerprint of the prompt and
// request context, evicted LRU-first when the cache is full, and expire
// after a per-entry TTL fixed at write time.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the entry lifetime used when Set receives no override.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 1000

// Recorder receives cache telemetry. Implementations must not block;
// a nil Recorder disables telemetry.
type Recorder interface {
	RecordCacheLookup(tenantID string, hit bool)
	RecordCacheEviction(reason string)
}

// Config configures a ResponseCache.
type Config struct {
	MaxEntries int           // Zero = DefaultMaxEntries.
	DefaultTTL time.Duration // Zero = DefaultTTL.
}

// ResponseCache is a concurrency-safe LRU cache with per-entry TTL.
// Lookups never fail: every error path is reported as a miss.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // Front = most recently used.
	maxEntries int
	defaultTTL time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	recorder Recorder
	logger   *slog.Logger
}

type entry struct {
	key       string
	value     any
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// New creates a ResponseCache.
func New(cfg Config, recorder Recorder, logger *slog.Logger) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	return &ResponseCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		recorder:   recorder,
		logger:     logger,
	}
}

// Key computes the deterministic fingerprint for a tenant/prompt/context
// triple. The prompt is trimmed and serialized together with the context;
// json.Marshal sorts map keys, so semantically equal contexts fingerprint
// identically regardless of insertion order. The tenant ID is prepended so
// entries can never collide or leak across tenants.
func (c *ResponseCache) Key(tenantID, prompt string, reqContext map[string]any) string {
	if reqContext == nil {
		reqContext = map[string]any{}
	}
	canonical, _ := json.Marshal(struct {
		Prompt  string         `json:"prompt"`
		Context map[string]any `json:"context"`
	}{
		Prompt:  strings.TrimSpace(prompt),
		Context: reqContext,
	})
	sum := sha256.Sum256(canonical)
	// A 16-byte prefix is collision-safe for any realistic per-tenant corpus.
	return tenantID + ":" + hex.EncodeToString(sum[:16])
}

// Get looks up a cached response. Expired entries are evicted on sight and
// reported as misses. A hit refreshes LRU recency but never extends the TTL.
func (c *ResponseCache) Get(tenantID, prompt string, reqContext map[string]any) (any, bool) {
	key := c.Key(tenantID, prompt, reqContext)

	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.record(tenantID, false)
		return nil, false
	}

	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeElement(el)
		c.evictions++
		c.misses++
		c.mu.Unlock()
		c.record(tenantID, false)
		if c.recorder != nil {
			c.recorder.RecordCacheEviction("expired")
		}
		return nil, false
	}

	c.lru.MoveToFront(el)
	c.hits++
	value := e.value
	c.mu.Unlock()

	c.record(tenantID, true)
	return value, true
}

// Set stores a response under the tenant's fingerprint. A non-zero
// ttlOverride replaces the default TTL for this entry only. Replaces any
// existing entry for the same key; when full, the least-recently-used
// entry is evicted first.
func (c *ResponseCache) Set(tenantID, prompt string, value any, reqContext map[string]any, ttlOverride time.Duration) {
	key := c.Key(tenantID, prompt, reqContext)
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.createdAt = time.Now()
		e.ttl = ttl
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{
		key:       key,
		value:     value,
		createdAt: time.Now(),
		ttl:       ttl,
	})
	c.entries[key] = el

	for c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		if c.recorder != nil {
			c.recorder.RecordCacheEviction("capacity")
		}
	}
}

// Invalidate removes a single entry, reporting whether it existed.
func (c *ResponseCache) Invalidate(tenantID, prompt string, reqContext map[string]any) bool {
	key := c.Key(tenantID, prompt, reqContext)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// InvalidateTenant removes every entry belonging to the tenant and returns
// how many were removed. Used when a tenant's configuration changes and its
// cached answers are no longer valid.
func (c *ResponseCache) InvalidateTenant(tenantID string) int {
	prefix := tenantID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			removed++
		}
	}
	if removed > 0 && c.logger != nil {
		c.logger.Info("tenant cache invalidated",
			slog.String("tenant_id", tenantID),
			slog.Int("removed", removed),
		)
	}
	return removed
}

// Cleanup evicts every expired entry and returns the count. Intended to run
// on a fixed interval as a background maintenance job, independent of the
// lookup-time eviction.
func (c *ResponseCache) Cleanup() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, el := range c.entries {
		if el.Value.(*entry).expired(now) {
			c.removeElement(el)
			c.evictions++
			removed++
		}
	}
	if removed > 0 {
		if c.recorder != nil {
			c.recorder.RecordCacheEviction("expired")
		}
		if c.logger != nil {
			c.logger.Debug("cache cleanup", slog.Int("removed", removed))
		}
	}
	return removed
}

// Len returns the current number of entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"` // hits / (hits + misses); 0 when no lookups yet.
	Evictions uint64  `json:"evictions"`
}

// Stats returns cumulative hit/miss counters and the derived hit rate.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      c.lru.Len(),
		Capacity:  c.maxEntries,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// removeElement must be called with c.mu held.
func (c *ResponseCache) removeElement(el *list.Element) {
	c.lru.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}

func (c *ResponseCache) record(tenantID string, hit bool) {
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(tenantID, hit)
	}
}
