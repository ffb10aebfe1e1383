package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bracket-core/internal/broker"
	"bracket-core/internal/events"
	"bracket-core/internal/instruments"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

type fakeInstruments struct{}

func (fakeInstruments) Equity(symbol string) (instruments.Equity, bool) {
	if strings.EqualFold(symbol, "SBIN") {
		return instruments.Equity{Symbol: "SBIN", SecurityID: "3045", LotSize: 1, TickSize: 0.05}, true
	}
	return instruments.Equity{}, false
}

func (fakeInstruments) OptionChain(underlying string) []instruments.Option {
	if strings.EqualFold(underlying, "NIFTY") {
		return niftyChain()
	}
	return nil
}

func (fakeInstruments) IndexSecurityID(name string) (string, bool) {
	if strings.EqualFold(name, "NIFTY") {
		return "13", true
	}
	return "", false
}

type fakePrices map[string]float64

func (f fakePrices) Resolve(_ context.Context, _ common.Credentials, seg common.Segment, id string) (float64, error) {
	if p, ok := f[string(seg)+":"+id]; ok {
		return p, nil
	}
	return 0, errors.New("price unavailable")
}

type fakeCreds struct{}

func (fakeCreds) Get(_ context.Context, userID int64) (common.Credentials, error) {
	if userID == 404 {
		return common.Credentials{}, errors.New("broker credentials not found")
	}
	return common.Credentials{UserID: userID, ClientID: "C", AccessToken: "T"}, nil
}

// fakeBroker accepts every order unless told otherwise and reports the
// configured status sequence for the entry.
type fakeBroker struct {
	mu        sync.Mutex
	placed    []common.OrderRequest
	rejectAll bool
	failType  common.OrderType
	statuses  []common.OrderStatus
	polls     int
	onPoll    func()
}

func (f *fakeBroker) PlaceOrder(_ context.Context, _ common.Credentials, req common.OrderRequest) broker.PlaceResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.rejectAll || req.Type == f.failType {
		return broker.PlaceResult{Raw: `{"errorMessage":"RMS rejected"}`}
	}
	return broker.PlaceResult{OK: true, OrderID: "B" + string(req.Type), Status: common.StatusTransit}
}

func (f *fakeBroker) CancelOrder(_ context.Context, _ common.Credentials, id string) broker.PlaceResult {
	return broker.PlaceResult{OK: true, OrderID: id, Status: common.StatusCancelled}
}

func (f *fakeBroker) OrderStatus(context.Context, common.Credentials, string) broker.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if f.onPoll != nil {
		f.onPoll()
	}
	if len(f.statuses) == 0 {
		return broker.StatusResult{Raw: "HTTP 500"}
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return broker.StatusResult{OK: true, Status: f.statuses[i]}
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.TradeConfirmed
}

func (r *recordingPublisher) PublishTradeConfirmed(_ context.Context, t events.TradeConfirmed) {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
}

type harness struct {
	svc    *BuildService
	store  *db.OrderStore
	broker *fakeBroker
	pub    *recordingPublisher
	bus    *events.Bus
}

func newHarness(t *testing.T, b *fakeBroker) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	pub := &recordingPublisher{}
	prices := fakePrices{"NSE_EQ:3045": 500, "IDX_I:13": 24040, "NSE_FNO:1230CE24100": 101.23}
	svc := NewBuildService(fakeInstruments{}, prices, b, fakeCreds{},
		&Ledger{Store: database.Orders(), Bus: bus}, NewEntryLocks(), pub, nil,
		BuildConfig{FillPollAttempts: 3, FillPollInterval: time.Millisecond})
	return &harness{svc: svc, store: database.Orders(), broker: b, pub: pub, bus: bus}
}

func equityRequest() BuildRequest {
	return BuildRequest{
		Workflow:        db.WorkflowEquityIntraday,
		Symbol:          "SBIN",
		Quantity:        1,
		Side:            common.SideBuy,
		StopLossPercent: 1,
		TargetPercent:   2,
		TrailingPercent: 1,
	}
}

func TestBuildEquityBracket(t *testing.T) {
	h := newHarness(t, &fakeBroker{statuses: []common.OrderStatus{common.StatusTransit, common.StatusTraded}})
	updates, unsub := h.bus.Subscribe(events.EventOrderUpdate, 32)
	defer unsub()

	conf, err := h.svc.Build(context.Background(), 7, equityRequest())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if conf.EntryPrice != 500 || conf.StopLossPrice != 495 || conf.TargetPrice != 510 || conf.TriggerPrice != 495.05 {
		t.Fatalf("prices = %+v", conf)
	}
	if conf.EntryStatus != "FILLED" || conf.StopLossStatus != "TRANSIT" || conf.TargetStatus != "TRANSIT" {
		t.Fatalf("statuses = %s/%s/%s", conf.EntryStatus, conf.StopLossStatus, conf.TargetStatus)
	}

	ctx := context.Background()
	sl, err := h.store.Get(ctx, conf.StopLossID)
	if err != nil {
		t.Fatalf("get sl: %v", err)
	}
	if sl.ParentID != conf.EntryID || sl.Side != "SELL" || sl.Quantity != 1 || sl.BrokerOrderID != "BSTOP_LOSS" {
		t.Fatalf("sl row = %+v", sl)
	}

	h.broker.mu.Lock()
	placed := append([]common.OrderRequest(nil), h.broker.placed...)
	h.broker.mu.Unlock()
	if len(placed) != 3 || placed[0].Type != common.OrderTypeMarket || placed[1].TriggerPrice != 495.05 || placed[2].Price != 510 {
		t.Fatalf("placed = %+v", placed)
	}

	if len(h.pub.got) != 1 || h.pub.got[0].EntryID != conf.EntryID || h.pub.got[0].EventID == "" {
		t.Fatalf("published = %+v", h.pub.got)
	}
	if len(updates) == 0 {
		t.Fatal("no order updates on the bus")
	}
}

func TestBuildEntryRejected(t *testing.T) {
	h := newHarness(t, &fakeBroker{rejectAll: true})
	conf, err := h.svc.Build(context.Background(), 7, equityRequest())
	if !errors.Is(err, ErrEntryRejected) {
		t.Fatalf("err = %v", err)
	}
	if conf.EntryStatus != "FAILED" || conf.StopLossStatus != "CANCELLED" || conf.TargetStatus != "CANCELLED" {
		t.Fatalf("statuses = %+v", conf)
	}
	if !strings.Contains(conf.Remark, "RMS rejected") {
		t.Fatalf("remark = %q", conf.Remark)
	}
	if len(h.broker.placed) != 1 || len(h.pub.got) != 0 {
		t.Fatal("exit legs placed or trade published after rejection")
	}
}

func TestBuildFillTimeout(t *testing.T) {
	h := newHarness(t, &fakeBroker{statuses: []common.OrderStatus{common.StatusPending}})
	conf, err := h.svc.Build(context.Background(), 7, equityRequest())
	if !errors.Is(err, ErrEntryNotFilled) {
		t.Fatalf("err = %v", err)
	}
	if h.broker.polls != 3 {
		t.Fatalf("polls = %d, want 3", h.broker.polls)
	}
	if conf.EntryStatus != "FAILED" || conf.StopLossStatus != "CANCELLED" {
		t.Fatalf("statuses = %+v", conf)
	}
}

func TestBuildBrokerRejectsWhileWaiting(t *testing.T) {
	h := newHarness(t, &fakeBroker{statuses: []common.OrderStatus{common.StatusRejected}})
	conf, err := h.svc.Build(context.Background(), 7, equityRequest())
	if !errors.Is(err, ErrEntryNotFilled) || h.broker.polls != 1 {
		t.Fatalf("err = %v polls = %d", err, h.broker.polls)
	}
	if conf.TargetStatus != "CANCELLED" {
		t.Fatalf("target = %s", conf.TargetStatus)
	}
}

func TestBuildPartTradedIsNotFilled(t *testing.T) {
	h := newHarness(t, &fakeBroker{statuses: []common.OrderStatus{common.StatusPartTraded}})
	if _, err := h.svc.Build(context.Background(), 7, equityRequest()); !errors.Is(err, ErrEntryNotFilled) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildStopLossPlacementFails(t *testing.T) {
	h := newHarness(t, &fakeBroker{failType: common.OrderTypeStopLoss, statuses: []common.OrderStatus{common.StatusTraded}})
	alerts, unsub := h.bus.Subscribe(events.EventBracketAlert, 8)
	defer unsub()

	conf, err := h.svc.Build(context.Background(), 7, equityRequest())
	if err != nil {
		t.Fatalf("partial bracket is not a build error: %v", err)
	}
	if conf.StopLossStatus != "FAILED" || conf.TargetStatus != "TRANSIT" || conf.EntryStatus != "FILLED" {
		t.Fatalf("statuses = %+v", conf)
	}
	sl, _ := h.store.Get(context.Background(), conf.StopLossID)
	if !strings.Contains(sl.Remark, "RMS rejected") {
		t.Fatalf("sl remark = %q", sl.Remark)
	}
	kinds := map[events.AlertKind]bool{}
	for len(alerts) > 0 {
		kinds[(<-alerts).(events.Alert).Kind] = true
	}
	if !kinds[events.AlertPlacementFailed] || !kinds[events.AlertUnprotected] {
		t.Fatalf("alerts = %v", kinds)
	}
}

func TestBuildOption(t *testing.T) {
	h := newHarness(t, &fakeBroker{statuses: []common.OrderStatus{common.StatusTraded}})
	conf, err := h.svc.Build(context.Background(), 7, BuildRequest{
		Workflow:        "option",
		Underlying:      "NIFTY",
		OptionType:      "CE",
		Moneyness:       OTM,
		ExpiryMonth:     "DEC-2025",
		NumberOfLots:    1,
		Side:            common.SideBuy,
		StopLossPercent: 10,
		TargetPercent:   20,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if conf.SecurityID != "1230CE24100" || conf.Quantity != 75 || conf.Segment != "NSE_FNO" {
		t.Fatalf("contract = %+v", conf)
	}
	// 101.23 rounds to 101.25; sl 91.125 -> 91.15; target 121.5
	if conf.EntryPrice != 101.25 || conf.StopLossPrice != 91.15 || conf.TargetPrice != 121.5 {
		t.Fatalf("prices = %+v", conf)
	}
	if h.pub.got[0].LotSize != 75 {
		t.Fatalf("event lot size = %d", h.pub.got[0].LotSize)
	}
}

func TestBuildFinishesAfterCallerDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &fakeBroker{
		statuses: []common.OrderStatus{common.StatusPending, common.StatusTraded},
		onPoll:   cancel,
	}
	h := newHarness(t, b)

	conf, err := h.svc.Build(ctx, 7, equityRequest())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if conf.EntryStatus != "FILLED" {
		t.Fatalf("entry = %s, want FILLED", conf.EntryStatus)
	}
	if len(b.placed) != 3 {
		t.Fatalf("placed = %d, exits missing after disconnect", len(b.placed))
	}
}

func TestBuildValidation(t *testing.T) {
	h := newHarness(t, &fakeBroker{})
	ctx := context.Background()

	tests := []struct {
		name   string
		userID int64
		mutate func(*BuildRequest)
		want   error
	}{
		{"unknown symbol", 7, func(r *BuildRequest) { r.Symbol = "NOPE" }, ErrUnknownSymbol},
		{"unsupported workflow", 7, func(r *BuildRequest) { r.Workflow = "SWING" }, ErrUnsupportedWorkflow},
		{"bad side", 7, func(r *BuildRequest) { r.Side = "HOLD" }, ErrInvalidRequest},
		{"zero quantity", 7, func(r *BuildRequest) { r.Quantity = 0 }, ErrInvalidRequest},
		{"limit entry", 7, func(r *BuildRequest) { r.OrderType = common.OrderTypeLimit }, ErrInvalidRequest},
		{"unknown underlying", 7, func(r *BuildRequest) {
			r.Workflow, r.Underlying, r.ExpiryMonth, r.OptionType = db.WorkflowOption, "FINNIFTY", "DEC-2025", "CE"
		}, ErrUnknownUnderlying},
		{"no contract", 7, func(r *BuildRequest) {
			r.Workflow, r.Underlying, r.ExpiryMonth, r.OptionType = db.WorkflowOption, "NIFTY", "JAN-2026", "CE"
		}, ErrNoContract},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := equityRequest()
			tt.mutate(&req)
			if _, err := h.svc.Build(ctx, tt.userID, req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := h.svc.Build(ctx, 404, equityRequest()); err == nil {
		t.Fatal("expected credentials error")
	}
	rows, _ := h.store.ListByUser(ctx, 7, 0)
	if len(rows) != 0 || len(h.broker.placed) != 0 {
		t.Fatalf("validation failures wrote %d rows, placed %d orders", len(rows), len(h.broker.placed))
	}
}
