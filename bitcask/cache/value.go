package cache

import (
	"github.com/dgraph-io/ristretto/v2"
)

// ValueCache is the read-through cache bitcask.Get consults before hitting
// a data file. Two implementations are provided: an exact LRU and a
// ristretto cost-based cache; the store picks one at Open time via config.
type ValueCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Del(key string)
	Close()
}

// lruValueCache wraps LRU behind the ValueCache interface.
type lruValueCache struct {
	lru *LRU[string, []byte]
}

func NewLRUValueCache(capacity int) ValueCache {
	return &lruValueCache{lru: NewLRU[string, []byte](capacity)}
}

func (c *lruValueCache) Get(key string) ([]byte, bool) { return c.lru.Get(key) }
func (c *lruValueCache) Set(key string, value []byte)  { c.lru.Insert(key, value) }
func (c *lruValueCache) Del(key string)                { c.lru.Delete(key) }
func (c *lruValueCache) Close()                        {}

// ristrettoValueCache backs the cache with dgraph-io/ristretto, which
// tracks access frequency rather than strict recency and admits entries
// based on an estimated hit-ratio benefit instead of always inserting.
type ristrettoValueCache struct {
	rc *ristretto.Cache[string, []byte]
}

// NewRistrettoValueCache builds a cache sized for roughly maxItems entries.
// NumCounters at 10x the item count and a cost model of 1-per-entry follow
// ristretto's own sizing guidance for a cache keyed on small values.
func NewRistrettoValueCache(maxItems int64) (ValueCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoValueCache{rc: rc}, nil
}

func (c *ristrettoValueCache) Get(key string) ([]byte, bool) {
	return c.rc.Get(key)
}

func (c *ristrettoValueCache) Set(key string, value []byte) {
	c.rc.Set(key, value, 1)
}

func (c *ristrettoValueCache) Del(key string) {
	c.rc.Del(key)
}

func (c *ristrettoValueCache) Close() {
	c.rc.Close()
}
