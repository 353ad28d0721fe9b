package config

import (
	"strings"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/singleflight"
)

// GlobalCacheScope replaces the directory component of a cache key when a
// call opts out of per-directory scoping.
const GlobalCacheScope = "<global>"

type runCacheEntry struct {
	value    cty.Value
	cachedAt time.Time
}

// RunCache memoizes side-effecting built-in function calls for the lifetime
// of one top-level invocation. Keys are (directory, function name, literal
// arguments), so an external command runs at most once per unique literal
// call within a run. The cache is owned by the caller and passed into the
// parser by reference; it is safe for concurrent use.
type RunCache struct {
	mu      sync.RWMutex
	entries map[string]runCacheEntry
	flight  singleflight.Group
}

// NewRunCache creates an empty run cache.
func NewRunCache() *RunCache {
	return &RunCache{
		entries: make(map[string]runCacheEntry),
	}
}

// Key builds a cache key from the scope directory, function name, and the
// literal arguments of the call.
func Key(dir, fn string, args ...string) string {
	parts := append([]string{dir, fn}, args...)
	return strings.Join(parts, "\x00")
}

// Do returns the cached value for key, or runs fn exactly once to produce
// it. Concurrent callers for the same key share a single in-flight call.
// Only successful results are cached; a failed call may be retried by a
// later caller.
func (c *RunCache) Do(key string, fn func() (cty.Value, error)) (cty.Value, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry.value, nil
	}

	result, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return entry.value, nil
		}

		val, err := fn()
		if err != nil {
			return cty.NilVal, err
		}

		c.mu.Lock()
		c.entries[key] = runCacheEntry{value: val, cachedAt: time.Now()}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return cty.NilVal, err
	}
	return result.(cty.Value), nil
}

// Len reports the number of cached entries.
func (c *RunCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
