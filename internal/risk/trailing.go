package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bracket-core/internal/events"
	"bracket-core/internal/order"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// PriceReader serves fresh cached prices. *cache.ShardedPriceCache implements it.
type PriceReader interface {
	GetFresh(segment common.Segment, securityID string) (float64, bool)
}

// TrailingEngine ratchets the stop-loss of profitable brackets toward the
// market. It never loosens a stop and never trails on a stale price.
type TrailingEngine struct {
	Deps
	Prices   PriceReader
	Interval time.Duration
}

// NewTrailingEngine creates a trailing engine ticking every interval.
func NewTrailingEngine(deps Deps, prices PriceReader, interval time.Duration) *TrailingEngine {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &TrailingEngine{Deps: deps, Prices: prices, Interval: interval}
}

// Start runs the engine until ctx is done.
func (e *TrailingEngine) Start(ctx context.Context) {
	runEvery(ctx, "trailing", e.Interval, func(ctx context.Context) { e.RunOnce(ctx) })
}

// RunOnce evaluates every trailing bracket once and returns how many stops moved.
func (e *TrailingEngine) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer e.Metrics.ObserveTick("trailing", start)

	entries, err := e.Ledger.Store.FindActiveBrackets(ctx)
	if err != nil {
		e.Metrics.EngineError("trailing")
		log.Printf("trailing: scan failed: %v", err)
		return 0
	}

	moved := 0
	for i := range entries {
		if !trailable(&entries[i]) {
			continue
		}
		ok, err := e.process(ctx, entries[i].ID)
		if err != nil {
			e.Metrics.EngineError("trailing")
			log.Printf("trailing: bracket %d: %v", entries[i].ID, err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved
}

func trailable(entry *db.Order) bool {
	return entry.TrailingPercent > 0 && entry.Status != string(common.StatusCompleted)
}

func (e *TrailingEngine) process(ctx context.Context, entryID int64) (bool, error) {
	unlock := e.Locks.Lock(entryID)
	defer unlock()

	store := e.Ledger.Store
	entry, err := store.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	if !trailable(entry) {
		return false, nil
	}

	ltp, ok := e.Prices.GetFresh(common.Segment(entry.Segment), entry.SecurityID)
	if !ok {
		return false, nil
	}
	side := common.Side(entry.Side)
	watermark := e.updateWatermark(ctx, entry, side, ltp)

	for _, role := range []db.Role{db.RoleStopLoss, db.RoleTarget} {
		if _, err := store.FindFilledLeg(ctx, entryID, role); err == nil {
			return false, nil // OCO will close it
		} else if !errors.Is(err, db.ErrNotFound) {
			return false, err
		}
	}
	sl, err := store.FindActiveLeg(ctx, entryID, db.RoleStopLoss)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	profit := order.ProfitPercent(side, entry.EntryPrice, ltp)
	if profit < entry.TrailingPercent {
		return false, nil
	}
	tick := entry.TickSize
	if tick <= 0 {
		tick = order.DefaultTickSize
	}
	candidate := order.TrailCandidate(side, watermark, entry.TrailingPercent, tick)
	if !order.MoreProtective(side, candidate, sl.StopLossPrice) {
		return false, nil
	}

	creds, err := e.Credentials.Get(ctx, entry.UserID)
	if err != nil {
		return false, fmt.Errorf("credentials for user %d: %w", entry.UserID, err)
	}
	previous := sl.StopLossPrice
	if !e.cancelLeg(ctx, creds, sl, fmt.Sprintf("Trailing: superseded by %.2f", candidate)) {
		// The old stop may still be live; a second one must not be placed.
		return false, fmt.Errorf("cancel stop-loss %d failed, replacement skipped", sl.ID)
	}

	next := *sl
	next.ID = 0
	next.BrokerOrderID = ""
	next.StopLossPrice = candidate
	next.TriggerPrice = order.TriggerPrice(side, candidate, tick)
	next.Status = string(common.StatusNew)
	next.Remark = fmt.Sprintf("Trailing SL %.2f → %.2f (ltp %.2f, watermark %.2f)", previous, candidate, ltp, watermark)
	if err := e.Ledger.Create(ctx, &next); err != nil {
		return false, fmt.Errorf("persist trailing stop: %w", err)
	}

	res := e.Broker.PlaceOrder(ctx, creds, common.OrderRequest{
		SecurityID:   next.SecurityID,
		Segment:      common.Segment(next.Segment),
		Side:         common.Side(next.Side),
		Type:         common.OrderTypeStopLoss,
		Product:      common.ProductType(next.ProductType),
		Quantity:     next.Quantity,
		Price:        next.StopLossPrice,
		TriggerPrice: next.TriggerPrice,
	})
	if res.OK {
		next.BrokerOrderID = res.OrderID
		next.Status = string(res.Status)
	} else {
		next.Status = string(common.StatusFailed)
		next.Remark += " → placement failed: " + res.Raw
		order.EmitAlert(e.Ledger.Bus, events.AlertUnprotected, &next, "trailing stop not placed: "+res.Raw)
		e.Metrics.Alert(string(events.AlertUnprotected))
	}
	e.save(ctx, &next)

	entry.StopLossPrice = next.StopLossPrice
	entry.TriggerPrice = next.TriggerPrice
	if err := store.Update(ctx, entry); err != nil {
		return false, err
	}

	if res.OK {
		e.Metrics.TrailingAdjusted()
	}
	log.Printf("trailing: bracket %d stop %.2f → %.2f (%s)", entryID, previous, candidate, next.Status)
	return res.OK, nil
}

// updateWatermark records a new best price and returns the watermark to trail from.
func (e *TrailingEngine) updateWatermark(ctx context.Context, entry *db.Order, side common.Side, ltp float64) float64 {
	changed := false
	var mark float64
	if side == common.SideSell {
		if entry.LowestLTP == 0 || ltp < entry.LowestLTP {
			entry.LowestLTP = ltp
			changed = true
		}
		mark = entry.LowestLTP
	} else {
		if ltp > entry.HighestLTP {
			entry.HighestLTP = ltp
			changed = true
		}
		mark = entry.HighestLTP
	}
	if changed {
		if err := e.Ledger.Store.Update(ctx, entry); err != nil {
			log.Printf("trailing: persist watermark for bracket %d: %v", entry.ID, err)
		}
	}
	return mark
}
