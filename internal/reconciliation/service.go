// Package reconciliation keeps the order ledger in step with the broker's
// order book.
package reconciliation

import (
	"context"
	"errors"
	"log"
	"time"

	"bracket-core/internal/broker"
	"bracket-core/internal/monitor"
	"bracket-core/internal/order"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// BookSource fetches a user's order book. *broker.Client implements it.
type BookSource interface {
	OrderBook(ctx context.Context, creds common.Credentials) broker.BookResult
}

var _ BookSource = (*broker.Client)(nil)

// Service periodically applies broker order-book state to in-transit rows.
// It is the only component that lets the broker overwrite ledger prices.
type Service struct {
	ledger      *order.Ledger
	broker      BookSource
	credentials order.CredentialSource
	locks       *order.EntryLocks
	metrics     *monitor.Metrics
	interval    time.Duration
}

// Report summarises one reconciliation pass.
type Report struct {
	Timestamp    time.Time
	Users        int
	Checked      int
	Transitions  int
	PriceResyncs int
	Failures     int
}

// NewService creates a new reconciliation service.
func NewService(ledger *order.Ledger, b BookSource, creds order.CredentialSource, locks *order.EntryLocks,
	metrics *monitor.Metrics, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Service{
		ledger:      ledger,
		broker:      b,
		credentials: creds,
		locks:       locks,
		metrics:     metrics,
		interval:    interval,
	}
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.metrics.EngineError("sync")
					log.Printf("❌ Order sync error: %v", err)
					continue
				}
				s.handleReport(report)

			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ Order sync started (interval: %v)", s.interval)
}

// Reconcile fetches each owner's order book once and applies it to every
// in-transit row of that owner.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer s.metrics.ObserveTick("sync", start)

	report := &Report{Timestamp: start}
	rows, err := s.ledger.Store.FindInTransit(ctx)
	if err != nil {
		return nil, err
	}

	byUser := make(map[int64][]db.Order)
	var users []int64
	for _, o := range rows {
		if _, seen := byUser[o.UserID]; !seen {
			users = append(users, o.UserID)
		}
		byUser[o.UserID] = append(byUser[o.UserID], o)
	}
	report.Users = len(users)

	for _, userID := range users {
		creds, err := s.credentials.Get(ctx, userID)
		if err != nil {
			report.Failures++
			log.Printf("sync: user %d credentials: %v", userID, err)
			continue
		}
		res := s.broker.OrderBook(ctx, creds)
		if !res.OK {
			report.Failures++
			log.Printf("⚠️ sync: user %d order book unavailable: %s", userID, res.Raw)
			continue
		}

		book := make(map[string]common.OrderBookEntry, len(res.Orders))
		for _, b := range res.Orders {
			book[b.BrokerOrderID] = b
		}
		for _, o := range byUser[userID] {
			b, ok := book[o.BrokerOrderID]
			if !ok {
				continue
			}
			report.Checked++
			if err := s.apply(ctx, o.ID, o.EntryID(), b, report); err != nil {
				report.Failures++
				log.Printf("sync: order %d: %v", o.ID, err)
			}
		}
	}
	return report, nil
}

// apply re-reads the row under its bracket lock and applies the broker state.
func (s *Service) apply(ctx context.Context, orderID, entryID int64, b common.OrderBookEntry, report *Report) error {
	unlock := s.locks.Lock(entryID)
	defer unlock()

	o, err := s.ledger.Store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	// Another engine moved it on since the scan.
	if !common.OrderStatus(o.Status).IsActive() || o.BrokerOrderID != b.BrokerOrderID {
		return nil
	}

	changed := false
	brokerStatus := b.Status
	if brokerStatus != "" && brokerStatus != common.OrderStatus(o.Status) {
		log.Printf("sync: order %d (%s) %s → %s", o.ID, o.Role, o.Status, brokerStatus)
		o.Status = string(brokerStatus)
		o.Remark = "Status from broker: " + string(brokerStatus)
		changed = true
		report.Transitions++
		s.metrics.SyncTransition(string(o.Role))

		switch {
		case o.Role == db.RoleEntry && brokerStatus == common.StatusCancelled:
			// Cancelled out of band: stop managing it.
			o.TrailingPercent = 0
			o.HighestLTP = 0
			o.LowestLTP = 0
		case o.Role != db.RoleEntry && (brokerStatus.IsFilled() || brokerStatus == common.StatusPartTraded):
			if err := s.updateParent(ctx, o.ParentID, func(p *db.Order) bool {
				if p.Status == string(common.StatusCompleted) {
					return false
				}
				p.Status = string(common.StatusCompleted)
				p.Remark = string(o.Role) + " executed at broker"
				return true
			}); err != nil {
				return err
			}
		case o.Role == db.RoleStopLoss && brokerStatus == common.StatusCancelled:
			if err := s.updateParent(ctx, o.ParentID, func(p *db.Order) bool {
				if p.TrailingPercent == 0 {
					return false
				}
				p.TrailingPercent = 0
				p.Remark = "Trailing disabled: stop-loss cancelled at broker"
				return true
			}); err != nil {
				return err
			}
		}
	}

	if o.Role == db.RoleStopLoss && b.Price > 0 &&
		(b.Price != o.StopLossPrice || (b.TriggerPrice > 0 && b.TriggerPrice != o.TriggerPrice)) {
		log.Printf("sync: order %d stop %.2f/%.2f → %.2f/%.2f from broker",
			o.ID, o.StopLossPrice, o.TriggerPrice, b.Price, b.TriggerPrice)
		o.StopLossPrice = b.Price
		if b.TriggerPrice > 0 {
			o.TriggerPrice = b.TriggerPrice
		}
		o.Remark = "SL updated from broker"
		changed = true
		report.PriceResyncs++
	}

	if !changed {
		return nil
	}
	return s.ledger.Save(ctx, o)
}

func (s *Service) updateParent(ctx context.Context, parentID int64, mutate func(*db.Order) bool) error {
	if parentID == 0 {
		return nil
	}
	parent, err := s.ledger.Store.Get(ctx, parentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !mutate(parent) {
		return nil
	}
	return s.ledger.Save(ctx, parent)
}

// handleReport logs a pass that changed something.
func (s *Service) handleReport(report *Report) {
	if report.Transitions == 0 && report.PriceResyncs == 0 && report.Failures == 0 {
		return
	}
	log.Printf("📊 Order sync: users=%d checked=%d transitions=%d price_resyncs=%d failures=%d",
		report.Users, report.Checked, report.Transitions, report.PriceResyncs, report.Failures)
}
