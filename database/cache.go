package database

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// CachedKV keeps recently read values of an underlying KV in an LRU cache.
// Writes go straight through and invalidate the cached entry.
type CachedKV struct {
	next  KV
	cache *lru.Cache
}

// cachedValue records misses too, so absent keys are not re-queried.
type cachedValue struct {
	value []byte
	found bool
}

func NewCachedKV(next KV, size int) (*CachedKV, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedKV{next: next, cache: cache}, nil
}

func (c *CachedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.cache.Get(key); ok {
		entry := v.(cachedValue)
		if !entry.found {
			return nil, false, nil
		}
		return append([]byte(nil), entry.value...), true, nil
	}

	value, found, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.cache.Add(key, cachedValue{value: append([]byte(nil), value...), found: found})
	return value, found, nil
}

func (c *CachedKV) Set(ctx context.Context, key string, value []byte) error {
	c.cache.Remove(key)
	if err := c.next.Set(ctx, key, value); err != nil {
		return err
	}
	c.cache.Add(key, cachedValue{value: append([]byte(nil), value...), found: true})
	return nil
}

func (c *CachedKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.next.Keys(ctx, prefix)
}

func (c *CachedKV) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Remove(key)
	}
	return c.next.Delete(ctx, keys...)
}

// Len reports how many keys are currently cached.
func (c *CachedKV) Len() int {
	return c.cache.Len()
}

func (c *CachedKV) Close() error {
	c.cache.Purge()
	return c.next.Close()
}
