package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"bracket-core/internal/broker"
	"bracket-core/internal/events"
	"bracket-core/internal/instruments"
	"bracket-core/internal/monitor"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"

	"github.com/google/uuid"
)

// Broker outcomes that end a build early. The ledger already holds the
// terminal state when these are returned.
var (
	ErrEntryRejected  = errors.New("entry order rejected")
	ErrEntryNotFilled = errors.New("entry order not filled")
)

// Instruments resolves contracts. *instruments.Catalog implements it.
type Instruments interface {
	Equity(symbol string) (instruments.Equity, bool)
	OptionChain(underlying string) []instruments.Option
	IndexSecurityID(name string) (string, bool)
}

// PriceResolver returns a live price. *market.Resolver implements it.
type PriceResolver interface {
	Resolve(ctx context.Context, creds common.Credentials, segment common.Segment, securityID string) (float64, error)
}

// Broker is the slice of the broker client the build and engines need.
type Broker interface {
	PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) broker.PlaceResult
	CancelOrder(ctx context.Context, creds common.Credentials, brokerOrderID string) broker.PlaceResult
	OrderStatus(ctx context.Context, creds common.Credentials, brokerOrderID string) broker.StatusResult
}

// CredentialSource looks up a user's broker account.
type CredentialSource interface {
	Get(ctx context.Context, userID int64) (common.Credentials, error)
}

var _ Broker = (*broker.Client)(nil)

// BuildConfig bounds the fill wait.
type BuildConfig struct {
	FillPollAttempts int
	FillPollInterval time.Duration
}

// BuildService places a bracket: entry at market, then stop-loss and target
// once the entry fills.
type BuildService struct {
	Instruments Instruments
	Prices      PriceResolver
	Broker      Broker
	Credentials CredentialSource
	Ledger      *Ledger
	Locks       *EntryLocks
	Publisher   events.TradePublisher
	Metrics     *monitor.Metrics

	cfg BuildConfig
	now func() time.Time
}

// NewBuildService wires a build service.
func NewBuildService(inst Instruments, prices PriceResolver, b Broker, creds CredentialSource,
	ledger *Ledger, locks *EntryLocks, pub events.TradePublisher, metrics *monitor.Metrics, cfg BuildConfig) *BuildService {
	if cfg.FillPollAttempts < 1 {
		cfg.FillPollAttempts = 40
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = time.Second
	}
	return &BuildService{
		Instruments: inst,
		Prices:      prices,
		Broker:      b,
		Credentials: creds,
		Ledger:      ledger,
		Locks:       locks,
		Publisher:   pub,
		Metrics:     metrics,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Build runs the whole bracket flow for userID. Validation failures return
// before anything is persisted. Broker failures return the Confirmation of
// the recorded terminal state together with ErrEntryRejected or
// ErrEntryNotFilled.
func (s *BuildService) Build(ctx context.Context, userID int64, req BuildRequest) (*Confirmation, error) {
	workflow := db.Workflow(strings.ToUpper(string(req.Workflow)))
	conf, err := s.build(ctx, userID, workflow, req)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrEntryRejected):
		outcome = "rejected"
	case errors.Is(err, ErrEntryNotFilled):
		outcome = "not_filled"
	case err != nil:
		outcome = "invalid"
	}
	s.Metrics.Build(string(workflow), outcome)
	return conf, err
}

func (s *BuildService) build(ctx context.Context, userID int64, workflow db.Workflow, req BuildRequest) (*Confirmation, error) {
	side := common.Side(strings.ToUpper(string(req.Side)))
	if side != common.SideBuy && side != common.SideSell {
		return nil, fmt.Errorf("%w: transaction type %q", ErrInvalidRequest, req.Side)
	}
	// Entries always go out at market.
	if ot := common.OrderType(strings.ToUpper(string(req.OrderType))); ot != "" && ot != common.OrderTypeMarket {
		return nil, fmt.Errorf("%w: order type %q, only MARKET entries are supported", ErrInvalidRequest, req.OrderType)
	}
	if req.StopLossPercent < 0 || req.TargetPercent < 0 || req.TrailingPercent < 0 {
		return nil, fmt.Errorf("%w: percentages must not be negative", ErrInvalidRequest)
	}
	if workflow != db.WorkflowEquityIntraday && workflow != db.WorkflowOption {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedWorkflow, req.Workflow)
	}

	creds, err := s.Credentials.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker credentials for user %d: %w", userID, err)
	}

	var contract Contract
	if workflow == db.WorkflowOption {
		contract, err = s.resolveOption(ctx, creds, req)
	} else {
		contract, err = s.resolveEquity(req)
	}
	if err != nil {
		return nil, err
	}

	ltp, err := s.Prices.Resolve(ctx, creds, contract.Segment, contract.SecurityID)
	if err != nil {
		return nil, fmt.Errorf("entry price for %s: %w", contract.TradingSymbol, err)
	}
	tick := contract.TickSize
	if tick <= 0 {
		tick = DefaultTickSize
	}
	entryPrice := RoundToTick(ltp, tick)
	prices := ComputeBracket(side, entryPrice, req.StopLossPercent, req.TargetPercent, tick)

	product := req.ProductType
	if product == "" {
		product = common.ProductIntraday
	}
	entry, sl, tgt := s.newRows(userID, workflow, side, product, contract, req, entryPrice, prices, tick)

	// Persist before any broker call so a crash leaves a recoverable trail.
	if err := s.Ledger.Store.CreateBracket(ctx, entry, sl, tgt); err != nil {
		return nil, fmt.Errorf("persist bracket: %w", err)
	}
	log.Printf("build: bracket %d %s %s x%d entry=%.2f sl=%.2f trig=%.2f tgt=%.2f",
		entry.ID, side, contract.TradingSymbol, contract.Quantity, entryPrice, prices.StopLoss, prices.Trigger, prices.Target)

	// The rows exist now; finish the bracket even if the caller goes away.
	wctx := context.WithoutCancel(ctx)

	res := s.Broker.PlaceOrder(ctx, creds, common.OrderRequest{
		SecurityID: contract.SecurityID,
		Segment:    contract.Segment,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Product:    product,
		Quantity:   contract.Quantity,
	})
	if !res.OK {
		s.abort(wctx, entry, sl, tgt, "Entry rejected: "+res.Raw)
		return s.confirmation(entry, sl, tgt), fmt.Errorf("%w: %s", ErrEntryRejected, res.Raw)
	}
	entry.BrokerOrderID = res.OrderID
	entry.Status = string(res.Status)
	entry.Remark = "Entry placed"
	s.save(wctx, entry)

	// Bounded by FillPollAttempts only: a live entry must not be written off
	// because the caller disconnected.
	if reason, ok := s.waitForFill(wctx, creds, entry.BrokerOrderID); !ok {
		s.abort(wctx, entry, sl, tgt, reason)
		return s.confirmation(entry, sl, tgt), fmt.Errorf("%w: %s", ErrEntryNotFilled, reason)
	}

	s.placeExits(wctx, creds, entry, sl, tgt)
	conf := s.confirmation(entry, sl, tgt)
	if s.Publisher != nil {
		s.Publisher.PublishTradeConfirmed(wctx, s.tradeEvent(entry, conf, contract))
	}
	return conf, nil
}

func (s *BuildService) resolveEquity(req BuildRequest) (Contract, error) {
	eq, ok := s.Instruments.Equity(req.Symbol)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %q", ErrUnknownSymbol, req.Symbol)
	}
	qty := req.Quantity
	if qty <= 0 && req.NumberOfLots > 0 {
		qty = req.NumberOfLots * eq.LotSize
	}
	if qty <= 0 {
		return Contract{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	return Contract{
		Symbol:        eq.Symbol,
		TradingSymbol: eq.Symbol,
		SecurityID:    eq.SecurityID,
		Segment:       common.SegmentNSEEquity,
		Quantity:      qty,
		LotSize:       eq.LotSize,
		TickSize:      eq.TickSize,
	}, nil
}

func (s *BuildService) resolveOption(ctx context.Context, creds common.Credentials, req BuildRequest) (Contract, error) {
	underlying := strings.ToUpper(strings.TrimSpace(req.Underlying))
	if underlying == "" {
		underlying = strings.ToUpper(strings.TrimSpace(req.Symbol))
	}
	chain := s.Instruments.OptionChain(underlying)
	if len(chain) == 0 {
		return Contract{}, fmt.Errorf("%w: %q has no options", ErrUnknownUnderlying, underlying)
	}
	month, err := ParseExpiryMonth(req.ExpiryMonth)
	if err != nil {
		return Contract{}, err
	}

	var spot float64
	if id, ok := s.Instruments.IndexSecurityID(underlying); ok {
		spot, err = s.Prices.Resolve(ctx, creds, common.SegmentIndex, id)
	} else if eq, ok := s.Instruments.Equity(underlying); ok {
		spot, err = s.Prices.Resolve(ctx, creds, common.SegmentNSEEquity, eq.SecurityID)
	} else {
		return Contract{}, fmt.Errorf("%w: no spot instrument for %q", ErrUnknownUnderlying, underlying)
	}
	if err != nil {
		return Contract{}, fmt.Errorf("spot price for %s: %w", underlying, err)
	}

	return SelectOptionContract(underlying, chain, OptionQuery{
		OptionType: req.OptionType,
		Month:      month,
		Moneyness:  req.Moneyness,
		Spot:       spot,
		Lots:       req.NumberOfLots,
	})
}

func (s *BuildService) newRows(userID int64, workflow db.Workflow, side common.Side, product common.ProductType,
	c Contract, req BuildRequest, entryPrice float64, p BracketPrices, tick float64) (entry, sl, tgt *db.Order) {
	base := db.Order{
		UserID:          userID,
		Workflow:        workflow,
		Symbol:          c.Symbol,
		TradingSymbol:   c.TradingSymbol,
		SecurityID:      c.SecurityID,
		Segment:         string(c.Segment),
		Quantity:        c.Quantity,
		ProductType:     string(product),
		StopLossPercent: req.StopLossPercent,
		TargetPercent:   req.TargetPercent,
		TrailingPercent: req.TrailingPercent,
		EntryPrice:      entryPrice,
		StopLossPrice:   p.StopLoss,
		TargetPrice:     p.Target,
		TriggerPrice:    p.Trigger,
		TickSize:        tick,
		Status:          string(common.StatusNew),
	}

	e, l, t := base, base, base
	e.Role = db.RoleEntry
	e.Side = string(side)
	e.OrderType = string(common.OrderTypeMarket)

	l.Role = db.RoleStopLoss
	l.Side = string(side.Opposite())
	l.OrderType = string(common.OrderTypeStopLoss)

	t.Role = db.RoleTarget
	t.Side = string(side.Opposite())
	t.OrderType = string(common.OrderTypeLimit)
	return &e, &l, &t
}

// waitForFill polls the entry until it fills, is refused, or attempts run out.
func (s *BuildService) waitForFill(ctx context.Context, creds common.Credentials, brokerOrderID string) (string, bool) {
	for attempt := 1; attempt <= s.cfg.FillPollAttempts; attempt++ {
		st := s.Broker.OrderStatus(ctx, creds, brokerOrderID)
		if st.OK {
			switch {
			case fillSignal(st.Status):
				return "", true
			case st.Status == common.StatusRejected || st.Status == common.StatusCancelled:
				return fmt.Sprintf("Entry %s at broker", st.Status), false
			}
		}
		if attempt == s.cfg.FillPollAttempts {
			break
		}
		t := time.NewTimer(s.cfg.FillPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Sprintf("Fill wait aborted: %v", ctx.Err()), false
		case <-t.C:
		}
	}
	return fmt.Sprintf("Entry not filled after %d status checks", s.cfg.FillPollAttempts), false
}

// fillSignal matches any status naming a complete fill; PART_TRADED is not one.
func fillSignal(st common.OrderStatus) bool {
	if st == common.StatusPartTraded {
		return false
	}
	raw := string(st)
	return strings.Contains(raw, "TRADED") || strings.Contains(raw, "FILLED") || strings.Contains(raw, "COMPLETED")
}

// abort ends a bracket whose entry never filled.
func (s *BuildService) abort(ctx context.Context, entry, sl, tgt *db.Order, reason string) {
	entry.Status = string(common.StatusFailed)
	entry.Remark = reason
	s.save(ctx, entry)
	for _, leg := range []*db.Order{sl, tgt} {
		leg.Status = string(common.StatusCancelled)
		leg.Remark = "Cancelled locally: entry failed"
		s.save(ctx, leg)
	}
	log.Printf("⚠️ build: bracket %d aborted: %s", entry.ID, reason)
}

// placeExits marks the entry FILLED and submits both exit legs under the
// bracket lock so no engine sees the half-built bracket.
func (s *BuildService) placeExits(ctx context.Context, creds common.Credentials, entry, sl, tgt *db.Order) {
	unlock := s.Locks.Lock(entry.ID)
	defer unlock()

	entry.Status = string(common.StatusFilled)
	entry.Remark = "Entry filled"
	s.save(ctx, entry)

	s.placeLeg(ctx, creds, entry, sl, common.OrderRequest{
		Type:         common.OrderTypeStopLoss,
		Price:        sl.StopLossPrice,
		TriggerPrice: sl.TriggerPrice,
	})
	s.placeLeg(ctx, creds, entry, tgt, common.OrderRequest{
		Type:  common.OrderTypeLimit,
		Price: tgt.TargetPrice,
	})

	if sl.Status == string(common.StatusFailed) {
		EmitAlert(s.Ledger.Bus, events.AlertUnprotected, sl, "filled entry has no working stop-loss")
		s.Metrics.Alert(string(events.AlertUnprotected))
	}
}

func (s *BuildService) placeLeg(ctx context.Context, creds common.Credentials, entry, leg *db.Order, req common.OrderRequest) {
	req.SecurityID = leg.SecurityID
	req.Segment = common.Segment(leg.Segment)
	req.Side = common.Side(leg.Side)
	req.Product = common.ProductType(leg.ProductType)
	req.Quantity = leg.Quantity

	res := s.Broker.PlaceOrder(ctx, creds, req)
	if res.OK {
		leg.BrokerOrderID = res.OrderID
		leg.Status = string(res.Status)
		leg.Remark = fmt.Sprintf("%s placed", leg.Role)
	} else {
		leg.Status = string(common.StatusFailed)
		leg.Remark = fmt.Sprintf("%s placement failed: %s", leg.Role, res.Raw)
		EmitAlert(s.Ledger.Bus, events.AlertPlacementFailed, leg, res.Raw)
		s.Metrics.Alert(string(events.AlertPlacementFailed))
	}
	s.save(ctx, leg)
}

func (s *BuildService) save(ctx context.Context, o *db.Order) {
	if err := s.Ledger.Save(ctx, o); err != nil {
		log.Printf("❌ build: save order %d (%s): %v", o.ID, o.Role, err)
	}
}

func (s *BuildService) confirmation(entry, sl, tgt *db.Order) *Confirmation {
	return &Confirmation{
		EntryID:         entry.ID,
		StopLossID:      sl.ID,
		TargetID:        tgt.ID,
		Workflow:        string(entry.Workflow),
		Symbol:          entry.Symbol,
		TradingSymbol:   entry.TradingSymbol,
		SecurityID:      entry.SecurityID,
		Segment:         entry.Segment,
		Side:            entry.Side,
		Quantity:        entry.Quantity,
		EntryPrice:      entry.EntryPrice,
		StopLossPrice:   sl.StopLossPrice,
		TriggerPrice:    sl.TriggerPrice,
		TargetPrice:     tgt.TargetPrice,
		TrailingPercent: entry.TrailingPercent,
		EntryStatus:     entry.Status,
		StopLossStatus:  sl.Status,
		TargetStatus:    tgt.Status,
		EntryOrderID:    entry.BrokerOrderID,
		StopLossOrderID: sl.BrokerOrderID,
		TargetOrderID:   tgt.BrokerOrderID,
		Remark:          entry.Remark,
	}
}

func (s *BuildService) tradeEvent(entry *db.Order, c *Confirmation, contract Contract) events.TradeConfirmed {
	return events.TradeConfirmed{
		EventID:         uuid.NewString(),
		EntryID:         c.EntryID,
		UserID:          entry.UserID,
		Workflow:        c.Workflow,
		Symbol:          c.Symbol,
		TradingSymbol:   c.TradingSymbol,
		SecurityID:      c.SecurityID,
		Segment:         c.Segment,
		Side:            c.Side,
		Quantity:        c.Quantity,
		LotSize:         contract.LotSize,
		ProductType:     entry.ProductType,
		EntryPrice:      c.EntryPrice,
		StopLossPrice:   c.StopLossPrice,
		TriggerPrice:    c.TriggerPrice,
		TargetPrice:     c.TargetPrice,
		TrailingPercent: c.TrailingPercent,
		EntryStatus:     c.EntryStatus,
		StopLossStatus:  c.StopLossStatus,
		TargetStatus:    c.TargetStatus,
		Remark:          c.Remark,
		ConfirmedAt:     s.now(),
	}
}
