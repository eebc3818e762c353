package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissOnEmpty(t *testing.T) {
	c := New()

	v, ok := c.Get(Key{Object: "unknown", Format: "png"})
	require.False(t, ok)
	require.Nil(t, v)

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestSetThenGetHit(t *testing.T) {
	c := New()
	key := Key{Object: "lvl1.webp", Format: "png"}
	value := []byte("converted-png-bytes")

	c.Set(key, value, 2700*time.Second)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, value, got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, 1, stats.Keys)
}

func TestTTLExpiry(t *testing.T) {
	base := time.Now()
	clock := base
	c := New(WithNow(func() time.Time { return clock }))

	key := Key{Object: "lvl1.webp", Format: "png"}
	c.Set(key, []byte("v"), time.Second)

	// Just before the deadline the entry is live.
	clock = base.Add(999 * time.Millisecond)
	_, ok := c.Get(key)
	require.True(t, ok)

	// At the deadline it is treated as absent.
	clock = base.Add(time.Second)
	_, ok = c.Get(key)
	require.False(t, ok)

	// The expired entry was purged, not just hidden.
	c.mu.Lock()
	require.Empty(t, c.entries)
	c.mu.Unlock()

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestHitMissAccounting(t *testing.T) {
	c := New()
	c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), time.Minute)

	gets := 0
	for i := 0; i < 10; i++ {
		c.Get(Key{Object: "a.png", Format: "png"})
		gets++
	}
	for i := 0; i < 7; i++ {
		c.Get(Key{Object: "missing.png", Format: "png"})
		gets++
	}

	stats := c.Stats()
	assert.Equal(t, uint64(10), stats.Hits)
	assert.Equal(t, uint64(7), stats.Misses)
	assert.Equal(t, uint64(gets), stats.Hits+stats.Misses)
}

func TestInvalidateRemovesAllFormats(t *testing.T) {
	c := New()
	c.Set(Key{Object: "a", Format: "png"}, []byte("1"), time.Minute)
	c.Set(Key{Object: "a", Format: "webp"}, []byte("2"), time.Minute)
	c.Set(Key{Object: "b", Format: "png"}, []byte("3"), time.Minute)

	removed := c.Invalidate("a")
	assert.Equal(t, 2, removed)

	_, ok := c.Get(Key{Object: "a", Format: "png"})
	require.False(t, ok)
	_, ok = c.Get(Key{Object: "a", Format: "webp"})
	require.False(t, ok)

	got, ok := c.Get(Key{Object: "b", Format: "png"})
	require.True(t, ok)
	require.Equal(t, []byte("3"), got)
}

func TestOverwriteReplacesValue(t *testing.T) {
	c := New()
	key := Key{Object: "a.png", Format: "webp"}

	c.Set(key, []byte("first"), time.Minute)
	c.Set(key, []byte("second"), time.Minute)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, c.Len())
}

func TestClearKeepsCounters(t *testing.T) {
	c := New()
	c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), time.Minute)
	c.Get(Key{Object: "a.png", Format: "png"})
	c.Get(Key{Object: "missing.png", Format: "png"})

	cleared := c.Clear()
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestStatsCountsOnlyUnexpired(t *testing.T) {
	base := time.Now()
	clock := base
	c := New(WithNow(func() time.Time { return clock }))

	c.Set(Key{Object: "short.png", Format: "png"}, []byte("1"), time.Second)
	c.Set(Key{Object: "long.png", Format: "png"}, []byte("2"), time.Hour)

	clock = base.Add(2 * time.Second)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Keys)

	// The scan purged the expired entry as it counted.
	c.mu.Lock()
	assert.Len(t, c.entries, 1)
	c.mu.Unlock()
}

func TestHitRate(t *testing.T) {
	c := New()
	assert.Zero(t, c.Stats().HitRate)

	c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), time.Minute)
	for i := 0; i < 3; i++ {
		c.Get(Key{Object: "a.png", Format: "png"})
	}
	c.Get(Key{Object: "missing.png", Format: "png"})

	assert.InDelta(t, 0.75, c.Stats().HitRate, 1e-9)
}

func TestSetPanicsOnNonPositiveTTL(t *testing.T) {
	c := New()

	require.Panics(t, func() {
		c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), 0)
	})
	require.Panics(t, func() {
		c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), -time.Second)
	})
}

func TestEmptyValueIsAValidEntry(t *testing.T) {
	c := New()
	key := Key{Object: "empty.png", Format: "png"}

	c.Set(key, nil, time.Minute)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Empty(t, got)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestValueIsolation(t *testing.T) {
	c := New()
	key := Key{Object: "a.png", Format: "png"}

	original := []byte("abc")
	c.Set(key, original, time.Minute)
	original[0] = 'X'

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), got)

	got[0] = 'Y'
	again, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), again)
}

func TestConcurrentAccess(t *testing.T) {
	c := New()

	const (
		writers   = 8
		readers   = 8
		perWriter = 50
		perReader = 100
	)

	keys := make([]Key, writers*perWriter)
	for i := range keys {
		keys[i] = Key{Object: fmt.Sprintf("obj-%d.png", i), Format: "png"}
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := keys[w*perWriter+i]
				c.Set(k, []byte(k.Object), time.Minute)
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perReader; i++ {
				k := keys[(r*31+i*7)%len(keys)]
				if v, ok := c.Get(k); ok {
					// A value must only ever surface under its own key.
					assert.Equal(t, k.Object, string(v))
				}
			}
		}(r)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, uint64(readers*perReader), stats.Hits+stats.Misses)
	assert.Equal(t, writers*perWriter, stats.Keys)
}

func TestJanitorPurgesExpired(t *testing.T) {
	base := time.Now()
	var clockMu sync.Mutex
	clock := base
	c := New(WithNow(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}))

	c.Set(Key{Object: "a.png", Format: "png"}, []byte("1"), time.Second)

	c.StartJanitor(10 * time.Millisecond)
	defer c.StopJanitor()

	clockMu.Lock()
	clock = base.Add(2 * time.Second)
	clockMu.Unlock()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.entries) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestJanitorStartStop(t *testing.T) {
	c := New()

	c.StartJanitor(time.Millisecond)
	c.StartJanitor(time.Millisecond) // second start is a no-op
	c.StopJanitor()
	c.StopJanitor() // stop is idempotent

	c.StartJanitor(time.Millisecond)
	c.StopJanitor()
}
