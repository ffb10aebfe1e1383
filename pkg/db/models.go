package db

import "time"

// Role identifies a leg of a bracket.
type Role string

const (
	RoleEntry    Role = "ENTRY"
	RoleStopLoss Role = "STOPLOSS"
	RoleTarget   Role = "TARGET"
)

// Workflow names the build path that created a bracket.
type Workflow string

const (
	WorkflowEquityIntraday Workflow = "EQUITY_INTRADAY"
	WorkflowOption         Workflow = "OPTION"
)

// Order is one ledger row: an ENTRY, or a STOPLOSS/TARGET child of one.
type Order struct {
	ID              int64
	UserID          int64
	ParentID        int64 // 0 for ENTRY rows
	Workflow        Workflow
	Symbol          string
	TradingSymbol   string
	SecurityID      string
	Segment         string
	Side            string
	Quantity        int
	OrderType       string
	ProductType     string
	Role            Role
	StopLossPercent float64
	TargetPercent   float64
	TrailingPercent float64
	EntryPrice      float64
	StopLossPrice   float64
	TargetPrice     float64
	TriggerPrice    float64
	TickSize        float64
	HighestLTP      float64 // 0 = unset
	LowestLTP       float64 // 0 = unset
	BrokerOrderID   string
	Status          string
	Remark          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EntryID returns the id of the ENTRY this row belongs to.
func (o *Order) EntryID() int64 {
	if o.Role == RoleEntry || o.ParentID == 0 {
		return o.ID
	}
	return o.ParentID
}

// Credential stores a user's broker account with the access token sealed.
type Credential struct {
	UserID               int64
	ClientID             string
	AccessTokenEncrypted string
	KeyVersion           int
	UpdatedAt            time.Time
}
