package origin

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxCacheEntries bounds the cache; expired entries are dropped first and the
// whole map is reset if that is not enough.
const maxCacheEntries = 4096

// Cache collapses concurrent fetches of the same playlist into one origin
// request and reuses the result for ttl. Errors are never cached.
type Cache struct {
	next  Fetcher
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	mu      sync.Mutex
	entries map[Ref]cacheEntry
}

type cacheEntry struct {
	src     Source
	expires time.Time
}

// NewCache wraps next. A non-positive ttl still collapses concurrent fetches
// but stores nothing.
func NewCache(next Fetcher, ttl time.Duration) *Cache {
	return &Cache{next: next, ttl: ttl, now: time.Now, entries: make(map[Ref]cacheEntry)}
}

// FetchPlaylist implements Fetcher.
func (c *Cache) FetchPlaylist(ctx context.Context, ref Ref) (*Source, error) {
	if src, ok := c.get(ref); ok {
		return src, nil
	}

	// The shared fetch must not die with whichever caller started it.
	ch := c.group.DoChan(ref.Channel+"\x00"+ref.Variant, func() (any, error) {
		src, err := c.next.FetchPlaylist(context.WithoutCancel(ctx), ref)
		if err != nil {
			return nil, err
		}
		c.put(ref, *src)
		return *src, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		src := res.Val.(Source)
		return &src, nil
	case <-ctx.Done():
		return nil, fetchCtxError(ref, ctx.Err())
	}
}

func (c *Cache) get(ref Ref) (*Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	src := e.src
	return &src, true
}

func (c *Cache) put(ref Ref, src Source) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCacheEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= maxCacheEntries {
			c.entries = make(map[Ref]cacheEntry)
		}
	}
	c.entries[ref] = cacheEntry{src: src, expires: now.Add(c.ttl)}
}
