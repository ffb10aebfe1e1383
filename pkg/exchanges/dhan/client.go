// Package dhan implements the REST transport for the Dhan broker API.
package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bracket-core/pkg/exchanges/common"
)

const defaultBaseURL = "https://api.dhan.co"

// Config holds transport settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client performs single, unretried calls against the broker. Retry and
// rate-limit policy belong to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new broker transport.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ common.Transport = (*Client)(nil)

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) (*common.RawResponse, error) {
	body := placeOrderBody{
		DhanClientID:     creds.ClientID,
		TransactionType:  string(req.Side),
		ExchangeSegment:  string(req.Segment),
		ProductType:      string(req.Product),
		OrderType:        string(req.Type),
		Validity:         "DAY",
		SecurityID:       req.SecurityID,
		Quantity:         req.Quantity,
		Price:            req.Price,
		TriggerPrice:     req.TriggerPrice,
		AfterMarketOrder: false,
	}
	return c.doJSON(ctx, creds, http.MethodPost, "/v2/orders", body)
}

// CancelOrder cancels a working order by broker id.
func (c *Client) CancelOrder(ctx context.Context, creds common.Credentials, brokerOrderID string) (*common.RawResponse, error) {
	return c.doJSON(ctx, creds, http.MethodDelete, "/v2/orders/"+brokerOrderID, nil)
}

// GetOrder fetches a single order.
func (c *Client) GetOrder(ctx context.Context, creds common.Credentials, brokerOrderID string) (*common.RawResponse, error) {
	return c.doJSON(ctx, creds, http.MethodGet, "/v2/orders/"+brokerOrderID, nil)
}

// GetOrderBook fetches every order of the day for the account.
func (c *Client) GetOrderBook(ctx context.Context, creds common.Credentials) (*common.RawResponse, error) {
	return c.doJSON(ctx, creds, http.MethodGet, "/v2/orders", nil)
}

// GetLTP requests last traded prices for instruments grouped by segment.
func (c *Client) GetLTP(ctx context.Context, creds common.Credentials, instruments common.InstrumentSet) (*common.RawResponse, error) {
	body := make(map[string][]json.Number, len(instruments))
	for seg, ids := range instruments {
		key := string(seg.APISegment())
		for _, id := range ids {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				return nil, fmt.Errorf("ltp: security id %q is not numeric", id)
			}
			body[key] = append(body[key], json.Number(id))
		}
	}
	return c.doJSON(ctx, creds, http.MethodPost, "/v2/marketfeed/ltp", body)
}

func (c *Client) doJSON(ctx context.Context, creds common.Credentials, method, path string, payload interface{}) (*common.RawResponse, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("access-token", creds.AccessToken)
	req.Header.Set("client-id", creds.ClientID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &common.RawResponse{StatusCode: res.StatusCode, Body: b}, nil
}
