// Package memory holds in-process caches shared by the background loops.
package memory

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepFactor is the multiple of the TTL after which Sweep evicts an
// entry.
const DefaultSweepFactor = 3

type priceEntry struct {
	price float64
	at    time.Time
}

// PriceCache is a TTL cache of last-known instrument prices. It is safe for
// concurrent use; the lock is held only around map operations.
type PriceCache struct {
	entries     map[string]priceEntry
	ttl         time.Duration
	sweepFactor int
	now         func() time.Time
	mu          sync.RWMutex
}

// Option customizes a PriceCache.
type Option func(*PriceCache)

// WithClock replaces time.Now, used by tests to simulate the passage of time.
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

// WithSweepFactor sets how many TTLs an entry survives before Sweep evicts it.
func WithSweepFactor(n int) Option {
	return func(c *PriceCache) {
		if n > 0 {
			c.sweepFactor = n
		}
	}
}

// NewPriceCache creates a PriceCache whose entries go stale after ttl.
func NewPriceCache(ttl time.Duration, opts ...Option) *PriceCache {
	c := &PriceCache{
		entries:     make(map[string]priceEntry),
		ttl:         ttl,
		sweepFactor: DefaultSweepFactor,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached price for instrument. ok is false when the entry is
// missing or older than the TTL.
func (c *PriceCache) Get(instrument string) (price float64, ok bool) {
	c.mu.RLock()
	e, found := c.entries[instrument]
	c.mu.RUnlock()
	if !found {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		return 0, false
	}
	return e.price, true
}

// Set stores price for instrument stamped with the current time.
func (c *PriceCache) Set(instrument string, price float64) {
	at := c.now()
	c.mu.Lock()
	c.entries[instrument] = priceEntry{price: price, at: at}
	c.mu.Unlock()
}

// Len returns the number of entries, stale ones included.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL returns the configured freshness window.
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}

// Sweep removes entries older than sweepFactor × TTL and returns how many
// were evicted.
func (c *PriceCache) Sweep() int {
	cutoff := c.now().Add(-time.Duration(c.sweepFactor) * c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, e := range c.entries {
		if e.at.Before(cutoff) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

// Clear drops every entry.
func (c *PriceCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]priceEntry)
	c.mu.Unlock()
}

// Run sweeps the cache once per TTL until ctx is cancelled.
func (c *PriceCache) Run(ctx context.Context) error {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}
