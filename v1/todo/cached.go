package todo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheCapacity = 10000
	defaultCacheTTL      = 30 * time.Second
)

type cachedOptions struct {
	capacity int64
	ttl      time.Duration
}

// CacheOption configures a CachedStore.
type CacheOption func(*cachedOptions)

// WithCapacity sets how many items the cache keeps.
func WithCapacity(n int64) CacheOption {
	return func(o *cachedOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithCacheTTL bounds how long a cached item is served. Writes made by other
// processes become visible after at most this long.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(o *cachedOptions) { o.ttl = d }
}

// CachedStore puts a ristretto read cache in front of another Store.
// Concurrent misses for one item are collapsed into one backend read.
type CachedStore struct {
	backend Store
	cache   *ristretto.Cache
	group   singleflight.Group
	ttl     time.Duration
	// epoch changes on every write so a read racing a write is not cached.
	epoch atomic.Uint64
}

// NewCachedStore wraps backend.
func NewCachedStore(backend Store, opts ...CacheOption) (*CachedStore, error) {
	o := cachedOptions{capacity: defaultCacheCapacity, ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	// Every item costs 1, so MaxCost is a count of items.
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        o.capacity * 10,
		MaxCost:            o.capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: c, ttl: o.ttl}, nil
}

// Get implements Store.Get.
func (s *CachedStore) Get(ctx context.Context, id string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	if v, ok := s.cache.Get(id); ok {
		if it, ok := v.(Item); ok {
			return it, true, nil
		}
	}
	type result struct {
		it Item
		ok bool
	}
	v, err, _ := s.group.Do(id, func() (any, error) {
		epoch := s.epoch.Load()
		it, ok, err := s.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && s.epoch.Load() == epoch {
			s.cache.SetWithTTL(id, it, 1, s.ttl)
			s.cache.Wait()
		}
		return result{it: it, ok: ok}, nil
	})
	if err != nil {
		return Item{}, false, err
	}
	r := v.(result)
	return r.it, r.ok, nil
}

// Put implements Store.Put.
func (s *CachedStore) Put(ctx context.Context, it Item) error {
	err := s.backend.Put(ctx, it)
	s.invalidate(it.ID)
	return err
}

// Delete implements Store.Delete.
func (s *CachedStore) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.backend.Delete(ctx, id)
	s.invalidate(id)
	return ok, err
}

// List implements Store.List. Listings always go to the backend.
func (s *CachedStore) List(ctx context.Context) ([]Item, error) {
	return s.backend.List(ctx)
}

func (s *CachedStore) invalidate(id string) {
	s.epoch.Add(1)
	s.group.Forget(id)
	s.cache.Del(id)
	s.cache.Wait()
}

// Close releases the cache.
func (s *CachedStore) Close() {
	s.cache.Close()
}
