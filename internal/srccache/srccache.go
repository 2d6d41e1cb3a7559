// Package srccache caches per-source state (open archive readers, raster
// headers) keyed by source URL. Entries carry a change validator and are
// re-checked against the origin after a freshness window, so an overwritten
// remote archive is picked up without restarting the server.
package srccache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadFunc builds the cached value and returns its change validator.
type LoadFunc[V any] func(ctx context.Context) (V, string, error)

// ValidateFunc returns the source's current change validator.
type ValidateFunc func(ctx context.Context) (string, error)

type entry[V any] struct {
	value     V
	validator string
	// checkedAt is the unix-nano time of the last successful origin check.
	// Concurrent Gets past the freshness window race on it, so it is atomic.
	checkedAt atomic.Int64
}

// Cache is a URL-keyed LRU with freshness-window revalidation. Concurrent
// loads for the same key collapse into one; failed loads are never
// published.
type Cache[V any] struct {
	lru             *lru.Cache[string, *entry[V]]
	group           singleflight.Group
	revalidateAfter time.Duration
	now             func() time.Time
	log             *zap.Logger

	// OnEvict, if set, is called for values dropped by LRU pressure or
	// replaced after a validator change.
	OnEvict func(key string, value V)
}

// New creates a cache holding at most entries values.
func New[V any](entries int, revalidateAfter time.Duration) (*Cache[V], error) {
	c := &Cache[V]{
		revalidateAfter: revalidateAfter,
		now:             time.Now,
		log:             zap.L().With(zap.String("component", "srccache")),
	}
	l, err := lru.NewWithEvict[string, *entry[V]](entries, func(key string, e *entry[V]) {
		if c.OnEvict != nil {
			c.OnEvict(key, e.value)
		}
	})
	if err != nil {
		return nil, eris.Wrap(err, "srccache: create lru")
	}
	c.lru = l
	return c, nil
}

// SetClock overrides the time source for tests.
func (c *Cache[V]) SetClock(now func() time.Time) { c.now = now }

// Get returns the cached value for key, revalidating or reloading as
// needed. validate may be nil, in which case entries only expire under LRU
// pressure.
func (c *Cache[V]) Get(ctx context.Context, key string, validate ValidateFunc, load LoadFunc[V]) (V, error) {
	if e, ok := c.lru.Get(key); ok {
		if c.revalidateAfter <= 0 || c.now().Sub(time.Unix(0, e.checkedAt.Load())) < c.revalidateAfter || validate == nil {
			return e.value, nil
		}
		current, err := validate(ctx)
		if err != nil {
			// Origin unreachable for the check: serve the cached value
			// rather than failing the request.
			c.log.Warn("revalidation failed, serving cached value",
				zap.String("key", key), zap.Error(err))
			return e.value, nil
		}
		if current == e.validator {
			e.checkedAt.Store(c.now().UnixNano())
			return e.value, nil
		}
		c.log.Info("source changed, reloading", zap.String("key", key))
		c.lru.Remove(key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another collapsed caller may have populated the entry already.
		if e, ok := c.lru.Get(key); ok {
			return e.value, nil
		}
		value, validator, err := load(ctx)
		if err != nil {
			return nil, err
		}
		e := &entry[V]{value: value, validator: validator}
		e.checkedAt.Store(c.now().UnixNano())
		c.lru.Add(key, e)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Remove drops the entry for key, firing OnEvict.
func (c *Cache[V]) Remove(key string) { c.lru.Remove(key) }

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int { return c.lru.Len() }

// Purge drops every entry, firing OnEvict for each.
func (c *Cache[V]) Purge() { c.lru.Purge() }
