package cache

import "time"

// DefaultJanitorInterval is how often the background janitor sweeps for
// expired entries when no interval is configured.
const DefaultJanitorInterval = 5 * time.Minute

// StartJanitor begins a background sweep that purges expired entries every
// interval. Lazy purging on Get already satisfies TTL correctness; the
// janitor only bounds the memory held by expired-but-unread entries. Calling
// StartJanitor on a cache with a running janitor is a no-op.
func (c *Cache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}

	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()

	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.runJanitor(interval, c.stopCh, c.doneCh)
}

// StopJanitor stops the background sweep and waits for it to exit. It is a
// no-op when no janitor is running. The cache remains usable afterwards and
// the janitor may be started again.
func (c *Cache) StopJanitor() {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()

	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil
	c.doneCh = nil
}

func (c *Cache) runJanitor(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			purged := c.purgeExpiredLocked()
			remaining := len(c.entries)
			c.mu.Unlock()

			if purged > 0 {
				c.logger.Debug("janitor purged expired entries",
					"purged", purged,
					"remaining", remaining,
				)
			}
		}
	}
}
