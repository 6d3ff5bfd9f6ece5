package adapter

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

// sweepThreshold triggers a full expiry sweep on insert.
const sweepThreshold = 1000

// Cache maps call keys to successful results. Lookups never take a lock;
// inserts replace atomically.
type Cache struct {
	entries sync.Map
	size    atomic.Int64
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	result    *ToolResult
	expiresAt time.Time
}

// NewCache creates a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, now: time.Now}
}

// Key hashes the tool name, the canonical JSON of its normalized arguments
// and the context version.
func Key(tool string, normalizedArgs map[string]any, contextVersion string) (string, error) {
	// encoding/json writes map keys sorted, which makes the encoding canonical
	b, err := json.Marshal(normalizedArgs)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(tool))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(b)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(contextVersion))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Get returns a live entry. Expired entries are evicted on the way out.
func (c *Cache) Get(key string) (*ToolResult, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if c.now().After(e.expiresAt) {
		if c.entries.CompareAndDelete(key, v) {
			c.size.Add(-1)
		}
		return nil, false
	}
	return e.result, true
}

// Put stores a result, replacing any previous entry for key.
func (c *Cache) Put(key string, result *ToolResult) {
	e := &cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)}
	if _, loaded := c.entries.Swap(key, e); !loaded {
		if c.size.Add(1) > sweepThreshold {
			c.Sweep()
		}
	}
}

// Sweep removes every expired entry.
func (c *Cache) Sweep() {
	now := c.now()
	c.entries.Range(func(k, v any) bool {
		if now.After(v.(*cacheEntry).expiresAt) {
			if c.entries.CompareAndDelete(k, v) {
				c.size.Add(-1)
			}
		}
		return true
	})
}

// Len returns the number of stored entries, live or not yet swept.
func (c *Cache) Len() int {
	return int(c.size.Load())
}
