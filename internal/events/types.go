package events

import "time"

// Event enumerates topics inside the bracket engine.
type Event string

const (
	EventOrderUpdate    Event = "order.update"
	EventTradeConfirmed Event = "trade.confirmed"
	EventBracketAlert   Event = "bracket.alert"
)

// OrderUpdate is published whenever a ledger row changes status.
type OrderUpdate struct {
	OrderID       int64     `json:"order_id"`
	EntryID       int64     `json:"entry_id"`
	UserID        int64     `json:"user_id"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Remark        string    `json:"remark,omitempty"`
	At            time.Time `json:"at"`
}

// AlertKind classifies conditions an operator must look at.
type AlertKind string

const (
	AlertCancelFailed    AlertKind = "cancel_failed"
	AlertPlacementFailed AlertKind = "placement_failed"
	AlertUnprotected     AlertKind = "unprotected_position"
)

// Alert flags a bracket left in a degraded state.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	EntryID int64     `json:"entry_id"`
	OrderID int64     `json:"order_id"`
	UserID  int64     `json:"user_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TradeConfirmed is emitted once a bracket's entry filled and its exit legs were submitted.
type TradeConfirmed struct {
	EventID         string    `json:"event_id"`
	EntryID         int64     `json:"entry_id"`
	UserID          int64     `json:"user_id"`
	Workflow        string    `json:"workflow"`
	Symbol          string    `json:"symbol"`
	TradingSymbol   string    `json:"trading_symbol"`
	SecurityID      string    `json:"security_id"`
	Segment         string    `json:"exchange_segment"`
	Side            string    `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	LotSize         int       `json:"lot_size,omitempty"`
	ProductType     string    `json:"product_type"`
	EntryPrice      float64   `json:"entry_price"`
	StopLossPrice   float64   `json:"sl_price"`
	TriggerPrice    float64   `json:"trigger_price"`
	TargetPrice     float64   `json:"target_price"`
	TrailingPercent float64   `json:"trailing_percent"`
	EntryStatus     string    `json:"entry_status"`
	StopLossStatus  string    `json:"sl_status"`
	TargetStatus    string    `json:"target_status"`
	Remark          string    `json:"remark,omitempty"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}
