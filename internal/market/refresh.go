package market

import (
	"context"
	"log"
	"time"

	"bracket-core/internal/monitor"
	"bracket-core/pkg/cache"
	"bracket-core/pkg/exchanges/common"
)

// InstrumentSource lists the instruments the ledger wants priced.
type InstrumentSource interface {
	PriceRefreshInstruments(ctx context.Context) (common.InstrumentSet, error)
}

// RefreshLoop runs the batch cycle with the system identity.
type RefreshLoop struct {
	Batch    *BatchRequester
	Cache    *cache.ShardedPriceCache
	Ledger   InstrumentSource
	System   common.Credentials
	Indices  map[string]string // index name -> security id
	Interval time.Duration
	MaxAge   time.Duration
	Metrics  *monitor.Metrics
}

// Start runs RunOnce immediately and then every Interval until ctx is done.
func (l *RefreshLoop) Start(ctx context.Context) {
	go func() {
		l.RunOnce(ctx)
		ticker := time.NewTicker(l.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("market: refresh loop stopped")
				return
			case <-ticker.C:
				l.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce fetches ledger and index prices and prunes old cache entries.
func (l *RefreshLoop) RunOnce(ctx context.Context) {
	start := time.Now()
	defer l.Metrics.ObserveTick("price_refresh", start)

	set := common.InstrumentSet{}
	if l.Ledger != nil {
		ledger, err := l.Ledger.PriceRefreshInstruments(ctx)
		if err != nil {
			l.Metrics.EngineError("price_refresh")
			log.Printf("market: list ledger instruments: %v", err)
		} else {
			set.Merge(ledger)
		}
	}
	for _, id := range l.Indices {
		set.Add(common.SegmentIndex, id)
	}

	if _, err := l.Batch.Fetch(ctx, l.System, set); err != nil {
		l.Metrics.EngineError("price_refresh")
		log.Printf("⚠️ market: refresh failed: %v", err)
	}
	if l.MaxAge > 0 {
		if removed := l.Cache.Cleanup(l.MaxAge); removed > 0 {
			log.Printf("market: pruned %d cached prices older than %s", removed, l.MaxAge)
		}
	}
}
