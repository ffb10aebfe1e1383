package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bracket-core/internal/monitor"
	"bracket-core/pkg/cache"
	"bracket-core/pkg/exchanges/common"
)

// ErrPriceUnavailable means every resolution path came back empty.
var ErrPriceUnavailable = errors.New("price unavailable")

// Resolver answers "what is the price now" cache first:
//  1. a fresh cache hit
//  2. register with the batch requester and wait briefly for a fill
//  3. one direct quote for the single instrument, not written to the cache
//
// Step 3 relies on the quoter's own retry policy and adds none.
type Resolver struct {
	cache   *cache.ShardedPriceCache
	batch   *BatchRequester
	quoter  Quoter
	wait    time.Duration
	metrics *monitor.Metrics
}

// NewResolver builds a resolver. wait bounds step 2.
func NewResolver(c *cache.ShardedPriceCache, batch *BatchRequester, q Quoter, wait time.Duration, metrics *monitor.Metrics) *Resolver {
	return &Resolver{
		cache:   c,
		batch:   batch,
		quoter:  q,
		wait:    wait,
		metrics: metrics,
	}
}

// Resolve returns the last traded price of (segment, securityID).
func (r *Resolver) Resolve(ctx context.Context, creds common.Credentials, segment common.Segment, securityID string) (float64, error) {
	if price, ok := r.cache.GetFresh(segment, securityID); ok {
		r.metrics.PriceResolved("cache")
		return price, nil
	}

	r.batch.Register(segment, securityID)
	if r.wait > 0 {
		t := time.NewTimer(r.wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	if price, ok := r.cache.GetFresh(segment, securityID); ok {
		r.metrics.PriceResolved("batch")
		return price, nil
	}

	set := common.InstrumentSet{}
	set.Add(segment.APISegment(), securityID)
	res := r.quoter.Quote(ctx, creds, set)
	if !res.OK {
		r.metrics.PriceResolved("unavailable")
		return 0, fmt.Errorf("%w for %s:%s: %s", ErrPriceUnavailable, segment, securityID, res.Raw)
	}
	price, ok := res.Quotes.Get(segment.APISegment(), securityID)
	if !ok || price <= 0 {
		r.metrics.PriceResolved("unavailable")
		return 0, fmt.Errorf("%w for %s:%s: no price in reply", ErrPriceUnavailable, segment, securityID)
	}
	r.metrics.PriceResolved("fallback")
	return price, nil
}
