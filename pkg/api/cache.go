package api

import (
	"context"
	"errors"
	"time"
)

var errCacheStopped = errors.New("api: response cache stopped")

// ResponseCache memoizes rendered responses for aggregate endpoints. The
// daily-stats query scans every usable parquet file, so repeated dashboard
// polls within the TTL reuse the last rendering instead of re-scanning.
// A single goroutine owns the store; handlers talk to it over a channel.
type ResponseCache struct {
	ttl      time.Duration
	requests chan cacheLookup
	done     chan struct{}
	now      func() time.Time
}

type cacheLookup struct {
	ctx   context.Context
	key   string
	load  func(context.Context) ([]byte, error)
	reply chan cacheAnswer
}

type cacheAnswer struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// NewResponseCache starts the owning goroutine. A non-positive TTL yields a
// nil cache, which Get treats as a pass-through to the loader.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	c := &ResponseCache{
		ttl:      ttl,
		requests: make(chan cacheLookup),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go c.loop()
	return c
}

// Close stops the cache goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Get returns the cached bytes for key, invoking load on a miss or after
// expiry. The stored slice is copied on the way out so handlers may append
// to the result freely.
func (c *ResponseCache) Get(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return load(ctx)
	}
	lookup := cacheLookup{ctx: ctx, key: key, load: load, reply: make(chan cacheAnswer, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errCacheStopped
	case c.requests <- lookup:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errCacheStopped
	case ans := <-lookup.reply:
		if ans.err != nil {
			return nil, ans.err
		}
		out := make([]byte, len(ans.data))
		copy(out, ans.data)
		return out, nil
	}
}

// loop owns the store map. Entries expire lazily on access; a failed load
// drops the key so the next request retries instead of pinning the error.
func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.done:
			return
		case lookup := <-c.requests:
			now := c.now()
			if entry, ok := store[lookup.key]; ok && now.Before(entry.expires) {
				lookup.reply <- cacheAnswer{data: entry.data}
				continue
			}
			data, err := lookup.load(lookup.ctx)
			if err != nil {
				delete(store, lookup.key)
				lookup.reply <- cacheAnswer{err: err}
				continue
			}
			kept := make([]byte, len(data))
			copy(kept, data)
			store[lookup.key] = cacheEntry{data: kept, expires: now.Add(c.ttl)}
			lookup.reply <- cacheAnswer{data: data}
		}
	}
}
