package order

import (
	"context"
	"log"
	"time"

	"bracket-core/internal/events"
	"bracket-core/pkg/db"
)

// Ledger writes bracket rows and announces every write on the bus.
type Ledger struct {
	Store *db.OrderStore
	Bus   *events.Bus
}

// Save updates o and publishes an order update.
func (l *Ledger) Save(ctx context.Context, o *db.Order) error {
	if err := l.Store.Update(ctx, o); err != nil {
		return err
	}
	EmitOrderUpdate(l.Bus, o)
	return nil
}

// Create inserts o and publishes an order update.
func (l *Ledger) Create(ctx context.Context, o *db.Order) error {
	if err := l.Store.Create(ctx, o); err != nil {
		return err
	}
	EmitOrderUpdate(l.Bus, o)
	return nil
}

// EmitOrderUpdate publishes a row change (hook point for websocket listeners).
func EmitOrderUpdate(bus *events.Bus, o *db.Order) {
	if bus == nil || o == nil {
		return
	}
	bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		OrderID:       o.ID,
		EntryID:       o.EntryID(),
		UserID:        o.UserID,
		Role:          string(o.Role),
		Status:        o.Status,
		BrokerOrderID: o.BrokerOrderID,
		Remark:        o.Remark,
		At:            time.Now(),
	})
}

// EmitAlert logs and publishes a bracket that needs an operator.
func EmitAlert(bus *events.Bus, kind events.AlertKind, o *db.Order, msg string) {
	log.Printf("❌ bracket %d: %s on order %d: %s", o.EntryID(), kind, o.ID, msg)
	if bus == nil {
		return
	}
	bus.Publish(events.EventBracketAlert, events.Alert{
		Kind:    kind,
		EntryID: o.EntryID(),
		OrderID: o.ID,
		UserID:  o.UserID,
		Message: msg,
		At:      time.Now(),
	})
}
