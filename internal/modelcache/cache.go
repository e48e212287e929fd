// Package modelcache holds loaded model handles keyed by their composite
// identity. It guarantees at most one load in flight per key: concurrent
// requests for the same uncached key share the in-flight load instead of
// issuing redundant ones.
package modelcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/provider"
)

// Entry is a successfully loaded model. Created on first successful load for
// a key and never mutated afterward; destroyed only on process shutdown.
type Entry struct {
	Key            provider.ModelKey
	Model          provider.Model
	LoadedAt       time.Time
	LoadDurationMs float64
}

// WarmResult reports one key's outcome from Warm.
type WarmResult struct {
	LoadTimeMs float64
	Err        error
}

// Cache is the process-wide model store. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[provider.ModelKey]*Entry
	sfGroup singleflight.Group

	// loadTimeout bounds a single load attempt. Zero means no bound.
	loadTimeout time.Duration
}

// New constructs an empty Cache. loadTimeout bounds each load attempt; pass
// zero to disable the bound.
func New(loadTimeout time.Duration) *Cache {
	return &Cache{
		entries:     make(map[provider.ModelKey]*Entry),
		loadTimeout: loadTimeout,
	}
}

// GetOrLoad returns the cached entry for key, loading it via p on first
// access. Concurrent callers for the same uncached key wait on the single
// in-flight load; a failed load leaves no entry, so the next call retries.
func (c *Cache) GetOrLoad(ctx context.Context, key provider.ModelKey, p provider.Provider) (*Entry, error) {
	key = key.Normalize()

	c.mu.RLock()
	if entry, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return entry, nil
	}
	c.mu.RUnlock()

	// Only one goroutine loads while the rest wait on the shared result.
	result, err, _ := c.sfGroup.Do(key.String(), func() (any, error) {
		// Check again in case another goroutine just finished the load.
		c.mu.RLock()
		if entry, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return entry, nil
		}
		c.mu.RUnlock()

		loadCtx := ctx
		if c.loadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(ctx, c.loadTimeout)
			defer cancel()
		}

		log.Infof("loading model %s", key)
		start := time.Now()
		model, errLoad := p.Load(loadCtx, key)
		if errLoad != nil {
			log.WithError(errLoad).Errorf("failed to load model %s", key)
			return nil, errLoad
		}
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)

		entry := &Entry{
			Key:            key,
			Model:          model,
			LoadedAt:       time.Now(),
			LoadDurationMs: elapsed,
		}
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()

		log.Infof("loaded model %s in %.0fms", key, elapsed)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

// Get returns the cached entry for key without triggering a load.
func (c *Cache) Get(key provider.ModelKey) (*Entry, bool) {
	key = key.Normalize()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Keys returns a sorted snapshot of the loaded model keys.
func (c *Cache) Keys() []provider.ModelKey {
	c.mu.RLock()
	out := make([]provider.ModelKey, 0, len(c.entries))
	for key := range c.entries {
		out = append(out, key)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of loaded models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Warm eagerly loads every key through its provider. Each key is attempted
// and reported independently; one failure does not abort the rest.
func (c *Cache) Warm(ctx context.Context, keys []provider.ModelKey, providers map[string]provider.Provider) map[string]WarmResult {
	results := make(map[string]WarmResult, len(keys))
	for _, key := range keys {
		key = key.Normalize()
		p, ok := providers[key.Method]
		if !ok {
			results[key.String()] = WarmResult{Err: &UnknownMethodError{Method: key.Method}}
			continue
		}
		entry, err := c.GetOrLoad(ctx, key, p)
		if err != nil {
			results[key.String()] = WarmResult{Err: err}
			continue
		}
		results[key.String()] = WarmResult{LoadTimeMs: entry.LoadDurationMs}
	}
	return results
}

// UnknownMethodError reports a warmup key naming a method no provider serves.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return "unknown method: " + e.Method
}
