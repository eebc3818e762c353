// Package cache provides the in-memory conversion cache: a TTL-expiring map
// from (object, format) pairs to converted image bytes, with hit/miss
// accounting and whole-object invalidation.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Key identifies one cached conversion: the object it was derived from and
// the format it was converted to.
type Key struct {
	Object string
	Format string
}

// Stats is a point-in-time snapshot of cache effectiveness. Keys counts only
// unexpired entries. HitRate is hits/(hits+misses), 0 when no gets have been
// served.
type Stats struct {
	Keys    int     `json:"keys"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// Cache memoizes format conversions with per-entry TTLs. A single mutex
// guards the entry map and the hit/miss counters, so each Get's hit-or-miss
// decision is atomic with its counter increment. Capacity is unbounded;
// entries leave only through TTL expiry, invalidation, or Clear.
//
// Expired entries are purged lazily: a Get, Stats, or Len that encounters one
// removes it. The optional janitor (StartJanitor) sweeps in the background so
// expired-but-unread values do not pin memory between reads.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]entry
	hits    uint64
	misses  uint64

	logger *slog.Logger
	now    func() time.Time

	janitorMu sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used by the background janitor.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow overrides the clock, for testing expiry behavior.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache. Callers own the instance and pass it to every
// handler that needs it; there is no package-level default.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]entry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached value for key. Exactly one of the hit or
// miss counters is incremented per call: a hit when an unexpired entry
// exists, a miss otherwise. An expired entry found here is treated as absent
// and purged on the spot.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Set stores a copy of value under key with the given TTL, unconditionally
// replacing any existing entry. The caller has just performed the
// authoritative conversion, so its result is definitionally fresh. An empty
// value is a valid entry. Set panics if ttl is not positive; that is a
// programming error, not a runtime condition.
func (c *Cache) Set(key Key, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		panic("cache: ttl must be positive")
	}

	v := make([]byte, len(value))
	copy(v, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = entry{value: v, createdAt: now, expiresAt: now.Add(ttl)}
}

// Invalidate removes every entry whose object component equals object,
// regardless of format. Call it whenever the underlying object is written or
// deleted, so no stale derivative survives the mutation. Returns the number
// of entries removed.
func (c *Cache) Invalidate(object string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if k.Object == object {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear removes all entries and returns how many there were. The hit and
// miss counters keep their process-lifetime values.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	clear(c.entries)
	return n
}

// Stats returns a snapshot of the counters and the exact number of unexpired
// entries. Expired entries found during the scan are purged, so the reported
// key count is never inflated by expired residue.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked()

	s := Stats{
		Keys:   len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked()
	return len(c.entries)
}

// purgeExpiredLocked removes expired entries. Callers must hold c.mu.
func (c *Cache) purgeExpiredLocked() int {
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
