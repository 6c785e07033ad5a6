// Package cache provides AsyncCache, a keyed cache whose loads are
// single-flight: concurrent callers that miss on the same key share one
// loader invocation and its result.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/pkg/logger"
)

// Loader produces the value for a key. It runs without the caller's
// cancellation so that one impatient waiter cannot fail the others.
type Loader[V any] func(ctx context.Context) (V, error)

// AsyncCache maps keys to values loaded on demand. There is no expiry;
// callers decide staleness per lookup.
type AsyncCache[K ~string, V any] struct {
	name    string
	mu      sync.RWMutex
	entries map[K]V
	group   singleflight.Group
	logger  *logger.Logger
	metrics *metrics.CacheMetrics
}

// Option configures an AsyncCache
type Option func(*options)

type options struct {
	logger  *logger.Logger
	metrics *metrics.CacheMetrics
}

// WithLogger sets the logger used for load failures
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the collectors lookups are recorded on
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty cache. name labels its logs and metrics.
func New[K ~string, V any](name string, opts ...Option) *AsyncCache[K, V] {
	o := options{logger: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &AsyncCache[K, V]{
		name:    name,
		entries: make(map[K]V),
		logger:  o.logger.CacheLogger(name),
		metrics: o.metrics,
	}
}

// Get returns the cached value for key unless there is none or isStale
// reports the cached one as stale, in which case loader is run. A nil
// isStale never considers an entry stale.
//
// Concurrent callers missing on the same key share one loader run. A failed
// load caches nothing, evicts any stale entry, and hands the same error to
// every caller that waited on it.
func (c *AsyncCache[K, V]) Get(ctx context.Context, key K, isStale func(V) bool, loader Loader[V]) (V, error) {
	if v, ok := c.fresh(key, isStale); ok {
		c.metrics.RecordLookup(c.name, metrics.CacheHit)
		return v, nil
	}
	c.metrics.RecordLookup(c.name, metrics.CacheMiss)

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(key), func() (interface{}, error) {
		// A flight that finished between our miss and DoChan may already
		// have stored a fresh value.
		if v, ok := c.fresh(key, isStale); ok {
			return v, nil
		}

		start := time.Now()
		v, err := loader(loadCtx)
		c.metrics.RecordLoad(c.name, time.Since(start).Seconds())
		if err != nil {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.RecordLookup(c.name, metrics.CacheLoadError)
			c.logger.WithError(res.Err).WithField("key", string(key)).Debug("Cache load failed")
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// TryGet returns the cached value without loading
func (c *AsyncCache[K, V]) TryGet(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Insert stores value under key, replacing any existing entry
func (c *AsyncCache[K, V]) Insert(key K, value V) {
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
}

// Remove drops key. Removing an absent key is a no-op.
func (c *AsyncCache[K, V]) Remove(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries
func (c *AsyncCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached keys in no particular order
func (c *AsyncCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Name returns the cache name
func (c *AsyncCache[K, V]) Name() string {
	return c.name
}

func (c *AsyncCache[K, V]) fresh(key K, isStale func(V) bool) (V, bool) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || (isStale != nil && isStale(v)) {
		var zero V
		return zero, false
	}
	return v, true
}
