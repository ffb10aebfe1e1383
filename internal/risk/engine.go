// Package risk runs the background engines that protect open brackets:
// one-cancels-other on exit fills and the trailing stop.
package risk

import (
	"context"
	"log"
	"time"

	"bracket-core/internal/events"
	"bracket-core/internal/monitor"
	"bracket-core/internal/order"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// Deps are shared by both engines.
type Deps struct {
	Ledger      *order.Ledger
	Broker      order.Broker
	Credentials order.CredentialSource
	Locks       *order.EntryLocks
	Metrics     *monitor.Metrics
}

// runEvery calls tick every interval until ctx is done.
func runEvery(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Printf("✓ %s engine started (every %s)", name, interval)
		for {
			select {
			case <-ctx.Done():
				log.Printf("%s engine stopped", name)
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// cancelLeg cancels leg at the broker, or locally when it was never sent,
// and records the outcome on the row. It reports whether the leg is now
// cancelled.
func (d *Deps) cancelLeg(ctx context.Context, creds common.Credentials, leg *db.Order, reason string) bool {
	if leg.BrokerOrderID == "" {
		leg.Status = string(common.StatusCancelled)
		leg.Remark = reason + " → cancelled locally (never sent)"
		d.save(ctx, leg)
		return true
	}

	res := d.Broker.CancelOrder(ctx, creds, leg.BrokerOrderID)
	if res.OK {
		leg.Status = string(res.Status)
		leg.Remark = reason + " → " + res.Raw
		d.save(ctx, leg)
		return true
	}

	leg.Status = string(common.StatusCancelFailed)
	leg.Remark = reason + " → cancel failed: " + res.Raw
	d.save(ctx, leg)
	order.EmitAlert(d.Ledger.Bus, events.AlertCancelFailed, leg, res.Raw)
	d.Metrics.Alert(string(events.AlertCancelFailed))
	return false
}

func (d *Deps) save(ctx context.Context, o *db.Order) {
	if err := d.Ledger.Save(ctx, o); err != nil {
		log.Printf("❌ risk: save order %d (%s): %v", o.ID, o.Role, err)
	}
}

func inStatus(status string, set ...common.OrderStatus) bool {
	for _, s := range set {
		if common.OrderStatus(status) == s {
			return true
		}
	}
	return false
}
