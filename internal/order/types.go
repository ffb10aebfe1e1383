package order

import (
	"errors"
	"time"

	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// Build failures surfaced to the caller. Broker-side failures are not errors:
// they end the bracket in a recorded terminal state and come back in the
// Confirmation.
var (
	ErrUnsupportedWorkflow = errors.New("unsupported workflow")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrUnknownUnderlying   = errors.New("unknown underlying")
	ErrNoContract          = errors.New("no option contract matches the request")
	ErrInvalidRequest      = errors.New("invalid build request")
)

// Moneyness selects a strike relative to spot.
type Moneyness string

const (
	ATM Moneyness = "ATM"
	ITM Moneyness = "ITM"
	OTM Moneyness = "OTM"
)

// BuildRequest is the manual bracket request.
type BuildRequest struct {
	Workflow        db.Workflow        `json:"workflow" binding:"required"`
	Symbol          string             `json:"symbol"`
	Underlying      string             `json:"underlying"`
	OptionType      string             `json:"optionType"`  // CE / PE
	Moneyness       Moneyness          `json:"moneyness"`   // ATM / ITM / OTM
	ExpiryMonth     string             `json:"expiryMonth"` // e.g. DEC-2025
	NumberOfLots    int                `json:"numberOfLots"`
	Quantity        int                `json:"quantity"`
	Side            common.Side        `json:"transactionType" binding:"required,oneof=BUY SELL"`
	ProductType     common.ProductType `json:"productType"`
	OrderType       common.OrderType   `json:"orderType"`
	StopLossPercent float64            `json:"stopLossPercent" binding:"gte=0"`
	TargetPercent   float64            `json:"targetPercent" binding:"gte=0"`
	TrailingPercent float64            `json:"trailingPercent" binding:"gte=0"`
}

// Contract is the resolved instrument a bracket trades.
type Contract struct {
	Symbol        string
	TradingSymbol string
	SecurityID    string
	Segment       common.Segment
	Quantity      int
	LotSize       int
	TickSize      float64
	// option only
	OptionType string
	Strike     float64
	Expiry     time.Time
	SpotPrice  float64
}

// Confirmation reports how far a build got.
type Confirmation struct {
	EntryID         int64   `json:"entryId"`
	StopLossID      int64   `json:"stopLossId"`
	TargetID        int64   `json:"targetId"`
	Workflow        string  `json:"workflow"`
	Symbol          string  `json:"symbol"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	Segment         string  `json:"exchangeSegment"`
	Side            string  `json:"transactionType"`
	Quantity        int     `json:"quantity"`
	EntryPrice      float64 `json:"entryPrice"`
	StopLossPrice   float64 `json:"slPrice"`
	TriggerPrice    float64 `json:"triggerPrice"`
	TargetPrice     float64 `json:"targetPrice"`
	TrailingPercent float64 `json:"trailingPercent"`
	EntryStatus     string  `json:"entryStatus"`
	StopLossStatus  string  `json:"slStatus"`
	TargetStatus    string  `json:"targetStatus"`
	EntryOrderID    string  `json:"entryOrderId,omitempty"`
	StopLossOrderID string  `json:"slOrderId,omitempty"`
	TargetOrderID   string  `json:"targetOrderId,omitempty"`
	Remark          string  `json:"remark,omitempty"`
}
