package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"bracket-core/pkg/exchanges/common"
)

const numShards = 16

// ShardedPriceCache holds last traded prices keyed by (segment, security id).
// Reads come in two flavours: GetFresh only answers within the freshness
// window, GetLastKnown answers with whatever was last written.
type ShardedPriceCache struct {
	shards    [numShards]*priceShard
	freshness time.Duration
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache with the given freshness window.
func NewShardedPriceCache(freshness time.Duration) *ShardedPriceCache {
	c := &ShardedPriceCache{freshness: freshness}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// Key builds the cache key. Index segments share one key space with the API code.
func Key(segment common.Segment, securityID string) string {
	return string(segment.APISegment()) + ":" + securityID
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price observed now.
func (c *ShardedPriceCache) Set(segment common.Segment, securityID string, price float64) {
	c.setAt(Key(segment, securityID), price, time.Now())
}

func (c *ShardedPriceCache) setAt(key string, price float64, at time.Time) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = priceEntry{price: price, updatedAt: at}
	shard.mu.Unlock()
}

// SetQuotes stores every price of a quote reply and returns how many were written.
func (c *ShardedPriceCache) SetQuotes(quotes common.Quotes) int {
	now := time.Now()
	n := 0
	for seg, ids := range quotes {
		for id, price := range ids {
			c.setAt(Key(seg, id), price, now)
			n++
		}
	}
	return n
}

// GetFresh returns the price only if it was written within the freshness window.
func (c *ShardedPriceCache) GetFresh(segment common.Segment, securityID string) (float64, bool) {
	price, age, ok := c.GetWithAge(segment, securityID)
	if !ok || age > c.freshness {
		return 0, false
	}
	return price, true
}

// GetLastKnown returns the most recent price regardless of age.
func (c *ShardedPriceCache) GetLastKnown(segment common.Segment, securityID string) (float64, bool) {
	price, _, ok := c.GetWithAge(segment, securityID)
	return price, ok
}

// GetWithAge retrieves price and its age.
func (c *ShardedPriceCache) GetWithAge(segment common.Segment, securityID string) (float64, time.Duration, bool) {
	key := Key(segment, securityID)
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	FreshItems  int            `json:"fresh_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time
	now := time.Now()

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if now.Sub(entry.updatedAt) <= c.freshness {
				stats.FreshItems++
			}
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}
	return stats
}
