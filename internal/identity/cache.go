// Package identity resolves external discord ids to registered accounts
// through a time-bounded cache. The cache is never a source of truth: losing
// it changes reconciliation latency, not outcomes.
package identity

import (
	"context"
	"sync"
	"time"
)

type Identity struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Directory is the authoritative account lookup, keyed by discord id.
type Directory interface {
	LookupAccount(ctx context.Context, discordID string) (Identity, bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, discordID string) (Identity, bool, error)
}

type CacheOptions struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type cacheEntry struct {
	identity Identity
	cachedAt time.Time
}

// Cache memoizes directory lookups in process memory. Entries are refreshed
// on hit, negative results are never cached (a just-registered account
// becomes visible on the next call), and a periodic sweep evicts expired
// entries regardless of access.
type Cache struct {
	directory Directory
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewCache(directory Directory, opts CacheOptions) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 6 * ttl
	}
	c := &Cache{
		directory: directory,
		ttl:       ttl,
		entries:   map[string]cacheEntry{},
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop(sweepInterval)
	return c
}

func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Cache) Resolve(ctx context.Context, discordID string) (Identity, bool, error) {
	if discordID == "" {
		return Identity{}, false, nil
	}
	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.entries[discordID]; ok && now.Sub(entry.cachedAt) < c.ttl {
		entry.cachedAt = now
		c.entries[discordID] = entry
		c.mu.Unlock()
		return entry.identity, true, nil
	}
	c.mu.Unlock()

	if c.directory == nil {
		return Identity{}, false, nil
	}
	resolved, found, err := c.directory.LookupAccount(ctx, discordID)
	if err != nil {
		return Identity{}, false, err
	}
	if !found {
		return Identity{}, false, nil
	}
	c.mu.Lock()
	c.entries[discordID] = cacheEntry{identity: resolved, cachedAt: time.Now()}
	c.mu.Unlock()
	return resolved, true, nil
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *Cache) evictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for discordID, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, discordID)
			evicted++
		}
	}
	return evicted
}
