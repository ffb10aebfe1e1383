package common

import (
	"strconv"
	"strings"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the exit side for an entry on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the broker order types used by bracket legs.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// ProductType is the broker margin product.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductCNC      ProductType = "CNC"
	ProductMargin   ProductType = "MARGIN"
)

// Segment is the exchange segment an instrument trades on.
type Segment string

const (
	SegmentNSEEquity Segment = "NSE_EQ"
	SegmentNSEFNO    Segment = "NSE_FNO"
	SegmentNSEIndex  Segment = "NSE_IDX"
	SegmentIndex     Segment = "IDX_I"
)

// APISegment maps local segment names onto the codes the market-data API accepts.
func (s Segment) APISegment() Segment {
	if s == SegmentNSEIndex {
		return SegmentIndex
	}
	return s
}

// OrderStatus is the broker's order status as persisted on ledger rows.
type OrderStatus string

const (
	StatusNew            OrderStatus = "NEW"
	StatusTransit        OrderStatus = "TRANSIT"
	StatusPending        OrderStatus = "PENDING"
	StatusOpen           OrderStatus = "OPEN"
	StatusReceived       OrderStatus = "RECEIVED"
	StatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	StatusPartTraded     OrderStatus = "PART_TRADED"
	StatusTraded         OrderStatus = "TRADED"
	StatusFilled         OrderStatus = "FILLED"
	StatusExecuted       OrderStatus = "EXECUTED"
	StatusCompleted      OrderStatus = "COMPLETED"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusCancelFailed   OrderStatus = "CANCEL_FAILED"
	StatusRejected       OrderStatus = "REJECTED"
	StatusExpired        OrderStatus = "EXPIRED"
	StatusFailed         OrderStatus = "FAILED"
)

// NormalizeStatus upper-cases and trims a raw broker status.
func NormalizeStatus(raw string) OrderStatus {
	return OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// IsFilled reports a filled-equivalent status.
func (s OrderStatus) IsFilled() bool {
	switch s {
	case StatusTraded, StatusFilled, StatusExecuted, StatusCompleted:
		return true
	}
	return false
}

// IsActive reports a working order that may still fill or be cancelled.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusTransit, StatusPending, StatusOpen, StatusReceived, StatusTriggerPending, StatusPartTraded:
		return true
	}
	return false
}

// ActiveStatuses lists the working statuses in IsActive.
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{StatusTransit, StatusPending, StatusOpen, StatusReceived, StatusTriggerPending, StatusPartTraded}
}

// FilledStatuses lists the statuses in IsFilled.
func FilledStatuses() []OrderStatus {
	return []OrderStatus{StatusTraded, StatusFilled, StatusExecuted, StatusCompleted}
}

// Credentials identify the account a broker call is made for.
type Credentials struct {
	UserID      int64
	ClientID    string
	AccessToken string
	System      bool
}

// Identity keys per-caller rate limiting.
func (c Credentials) Identity() string {
	if c.System {
		return "system"
	}
	return strconv.FormatInt(c.UserID, 10)
}

// OrderRequest captures an order intent to be sent to the broker.
type OrderRequest struct {
	SecurityID   string
	Segment      Segment
	Side         Side
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64 // required for LIMIT and STOP_LOSS
	TriggerPrice float64 // required for STOP_LOSS
}

// OrderBookEntry is one row of the broker's order book.
type OrderBookEntry struct {
	BrokerOrderID string
	Status        OrderStatus
	SecurityID    string
	Segment       Segment
	Side          Side
	Quantity      int
	Price         float64
	TriggerPrice  float64
	TradedPrice   float64
}

// InstrumentSet groups security ids by segment for quote requests.
type InstrumentSet map[Segment][]string

// Add appends id under segment unless it is already present.
func (s InstrumentSet) Add(segment Segment, id string) {
	for _, existing := range s[segment] {
		if existing == id {
			return
		}
	}
	s[segment] = append(s[segment], id)
}

// Merge adds every instrument of other into s.
func (s InstrumentSet) Merge(other InstrumentSet) {
	for seg, ids := range other {
		for _, id := range ids {
			s.Add(seg, id)
		}
	}
}

// Len counts instruments across segments.
func (s InstrumentSet) Len() int {
	n := 0
	for _, ids := range s {
		n += len(ids)
	}
	return n
}

// Quotes holds last traded prices keyed by segment then security id.
type Quotes map[Segment]map[string]float64

// Get returns the quoted price for (segment, id).
func (q Quotes) Get(segment Segment, id string) (float64, bool) {
	ids, ok := q[segment]
	if !ok {
		return 0, false
	}
	p, ok := ids[id]
	return p, ok
}
