// Package market keeps the price cache filled: batched quote calls, the
// cache-first price resolver, the periodic refresh loop and the index stream.
package market

import (
	"context"
	"fmt"
	"log"
	"sync"

	"bracket-core/internal/broker"
	"bracket-core/internal/monitor"
	"bracket-core/pkg/cache"
	"bracket-core/pkg/exchanges/common"
)

// Quoter fetches last traded prices. *broker.Client implements it.
type Quoter interface {
	Quote(ctx context.Context, creds common.Credentials, instruments common.InstrumentSet) broker.QuoteResult
}

var _ Quoter = (*broker.Client)(nil)

// BatchRequester collects price interest between cycles so one grouped
// quote call serves every caller.
type BatchRequester struct {
	quoter  Quoter
	cache   *cache.ShardedPriceCache
	metrics *monitor.Metrics

	mu      sync.Mutex
	pending common.InstrumentSet
}

// NewBatchRequester creates a requester writing into c.
func NewBatchRequester(q Quoter, c *cache.ShardedPriceCache, metrics *monitor.Metrics) *BatchRequester {
	return &BatchRequester{
		quoter:  q,
		cache:   c,
		metrics: metrics,
		pending: common.InstrumentSet{},
	}
}

// Register asks for the instrument to be included in the next cycle.
func (b *BatchRequester) Register(segment common.Segment, securityID string) {
	if securityID == "" {
		return
	}
	b.mu.Lock()
	b.pending.Add(segment.APISegment(), securityID)
	b.mu.Unlock()
}

// Pending returns how many registrations wait for the next cycle.
func (b *BatchRequester) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

func (b *BatchRequester) drain() common.InstrumentSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = common.InstrumentSet{}
	return out
}

// Fetch drains the registrations, merges explicit, issues one quote call and
// writes every returned price into the cache. It returns the number of prices
// written.
func (b *BatchRequester) Fetch(ctx context.Context, creds common.Credentials, explicit common.InstrumentSet) (int, error) {
	set := b.drain()
	for seg, ids := range explicit {
		for _, id := range ids {
			set.Add(seg.APISegment(), id)
		}
	}
	if set.Len() == 0 {
		return 0, nil
	}
	b.metrics.BatchSize(set.Len())

	res := b.quoter.Quote(ctx, creds, set)
	if !res.OK {
		return 0, fmt.Errorf("batch quote for %d instruments: %s", set.Len(), res.Raw)
	}
	n := b.cache.SetQuotes(res.Quotes)
	if n < set.Len() {
		log.Printf("market: batch returned %d/%d prices", n, set.Len())
	}
	return n, nil
}
