package dhan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"bracket-core/pkg/exchanges/common"
)

type placeOrderBody struct {
	DhanClientID     string  `json:"dhanClientId"`
	TransactionType  string  `json:"transactionType"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	OrderType        string  `json:"orderType"`
	Validity         string  `json:"validity"`
	SecurityID       string  `json:"securityId"`
	Quantity         int     `json:"quantity"`
	Price            float64 `json:"price"`
	TriggerPrice     float64 `json:"triggerPrice"`
	AfterMarketOrder bool    `json:"afterMarketOrder"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type orderRecord struct {
	OrderID            flexString `json:"orderId"`
	OrderStatus        string     `json:"orderStatus"`
	SecurityID         flexString `json:"securityId"`
	ExchangeSegment    string     `json:"exchangeSegment"`
	TransactionType    string     `json:"transactionType"`
	Quantity           int        `json:"quantity"`
	Price              float64    `json:"price"`
	TriggerPrice       float64    `json:"triggerPrice"`
	AverageTradedPrice float64    `json:"averageTradedPrice"`
}

func (r orderRecord) entry() common.OrderBookEntry {
	return common.OrderBookEntry{
		BrokerOrderID: string(r.OrderID),
		Status:        common.NormalizeStatus(r.OrderStatus),
		SecurityID:    string(r.SecurityID),
		Segment:       common.Segment(r.ExchangeSegment),
		Side:          common.Side(r.TransactionType),
		Quantity:      r.Quantity,
		Price:         r.Price,
		TriggerPrice:  r.TriggerPrice,
		TradedPrice:   r.AverageTradedPrice,
	}
}

// OrderAck is the broker's reply to a place or cancel request.
type OrderAck struct {
	OrderID string
	Status  common.OrderStatus
}

// DecodeOrderAck parses a place/cancel reply. A missing status falls back to def.
func DecodeOrderAck(body []byte, def common.OrderStatus) (OrderAck, error) {
	var r orderRecord
	if err := json.Unmarshal(body, &r); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	status := common.NormalizeStatus(r.OrderStatus)
	if status == "" {
		status = def
	}
	return OrderAck{OrderID: string(r.OrderID), Status: status}, nil
}

// DecodeOrder parses a single-order reply. Some API versions wrap the
// record in a one-element array.
func DecodeOrder(body []byte) (common.OrderBookEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []orderRecord
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return common.OrderBookEntry{}, fmt.Errorf("decode order: %w", err)
		}
		if len(rows) == 0 {
			return common.OrderBookEntry{}, fmt.Errorf("decode order: empty array")
		}
		return rows[0].entry(), nil
	}
	var r orderRecord
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return common.OrderBookEntry{}, fmt.Errorf("decode order: %w", err)
	}
	return r.entry(), nil
}

// DecodeOrderBook parses the order-book reply.
func DecodeOrderBook(body []byte) ([]common.OrderBookEntry, error) {
	var rows []orderRecord
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode order book: %w", err)
	}
	out := make([]common.OrderBookEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

type ltpReply struct {
	Data   map[string]map[string]ltpQuote `json:"data"`
	Status string                         `json:"status"`
}

type ltpQuote struct {
	LastPrice float64 `json:"last_price"`
}

// DecodeLTP parses a market-feed reply into quotes keyed by the API segment.
func DecodeLTP(body []byte) (common.Quotes, error) {
	var r ltpReply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode ltp: %w", err)
	}
	if r.Status != "" && r.Status != "success" {
		return nil, fmt.Errorf("ltp status %q", r.Status)
	}
	out := make(common.Quotes, len(r.Data))
	for seg, ids := range r.Data {
		m := make(map[string]float64, len(ids))
		for id, q := range ids {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				continue
			}
			m[id] = q.LastPrice
		}
		out[common.Segment(seg)] = m
	}
	return out, nil
}
