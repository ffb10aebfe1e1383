// Package broker wraps the raw broker transport with the retry, rate-limit
// and circuit-breaker policy every caller relies on.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bracket-core/internal/monitor"
	"bracket-core/pkg/exchanges/common"
	"bracket-core/pkg/exchanges/dhan"

	"github.com/sony/gobreaker"
)

// PlaceResult is the outcome of a place or cancel call. It is never nil:
// failures carry OK=false and the broker's last response (or transport
// error) in Raw.
type PlaceResult struct {
	OK      bool
	OrderID string
	Status  common.OrderStatus
	Raw     string
}

// StatusResult is the outcome of a single-order status query.
type StatusResult struct {
	OK          bool
	Status      common.OrderStatus
	TradedPrice float64
	Raw         string
}

// BookResult is the outcome of an order-book fetch.
type BookResult struct {
	OK     bool
	Orders []common.OrderBookEntry
	Raw    string
}

// QuoteResult is the outcome of a last-traded-price request.
type QuoteResult struct {
	OK     bool
	Quotes common.Quotes
	Raw    string
}

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Client applies the broker call policy:
//   - up to MaxAttempts tries with a fixed delay between them
//   - 4xx responses fail immediately, 5xx and network errors are retried
//   - quote calls pass the rate limiter before every attempt and run behind a circuit breaker
type Client struct {
	transport   common.Transport
	limiter     *common.RateLimiter
	cb          *gobreaker.CircuitBreaker
	metrics     *monitor.Metrics
	maxAttempts int
	delay       time.Duration
}

// NewClient creates a policy-wrapped broker client. limiter and metrics may be nil.
func NewClient(transport common.Transport, limiter *common.RateLimiter, metrics *monitor.Metrics, cfg Config) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	c := &Client{
		transport:   transport,
		limiter:     limiter,
		metrics:     metrics,
		maxAttempts: cfg.MaxAttempts,
		delay:       cfg.RetryDelay,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-quotes",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("broker: circuit breaker '%s' changed from %s to %s", name, from, to)
		},
	})
	return c
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) PlaceResult {
	res, raw, ok := c.do(ctx, "place", nil, func(ctx context.Context) (*common.RawResponse, error) {
		return c.transport.PlaceOrder(ctx, creds, req)
	})
	if !ok {
		return PlaceResult{Raw: raw}
	}
	ack, err := dhan.DecodeOrderAck(res.Body, common.StatusPending)
	if err != nil || ack.OrderID == "" {
		return PlaceResult{Raw: raw}
	}
	return PlaceResult{OK: true, OrderID: ack.OrderID, Status: ack.Status, Raw: raw}
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, creds common.Credentials, brokerOrderID string) PlaceResult {
	res, raw, ok := c.do(ctx, "cancel", nil, func(ctx context.Context) (*common.RawResponse, error) {
		return c.transport.CancelOrder(ctx, creds, brokerOrderID)
	})
	if !ok {
		return PlaceResult{Raw: raw}
	}
	ack, err := dhan.DecodeOrderAck(res.Body, common.StatusCancelled)
	if err != nil {
		// Some cancel replies carry no body worth parsing.
		ack = dhan.OrderAck{Status: common.StatusCancelled}
	}
	if ack.OrderID == "" {
		ack.OrderID = brokerOrderID
	}
	return PlaceResult{OK: true, OrderID: ack.OrderID, Status: ack.Status, Raw: raw}
}

// OrderStatus fetches the status of a single order.
func (c *Client) OrderStatus(ctx context.Context, creds common.Credentials, brokerOrderID string) StatusResult {
	res, raw, ok := c.do(ctx, "status", nil, func(ctx context.Context) (*common.RawResponse, error) {
		return c.transport.GetOrder(ctx, creds, brokerOrderID)
	})
	if !ok {
		return StatusResult{Raw: raw}
	}
	o, err := dhan.DecodeOrder(res.Body)
	if err != nil || o.Status == "" {
		return StatusResult{Raw: raw}
	}
	return StatusResult{OK: true, Status: o.Status, TradedPrice: o.TradedPrice, Raw: raw}
}

// OrderBook fetches the account's order book.
func (c *Client) OrderBook(ctx context.Context, creds common.Credentials) BookResult {
	res, raw, ok := c.do(ctx, "orderbook", nil, func(ctx context.Context) (*common.RawResponse, error) {
		return c.transport.GetOrderBook(ctx, creds)
	})
	if !ok {
		return BookResult{Raw: raw}
	}
	book, err := dhan.DecodeOrderBook(res.Body)
	if err != nil {
		return BookResult{Raw: err.Error()}
	}
	return BookResult{OK: true, Orders: book, Raw: raw}
}

type quoteOutcome struct {
	quotes common.Quotes
	raw    string
	ok     bool
}

// Quote requests last traded prices for every instrument in one call.
func (c *Client) Quote(ctx context.Context, creds common.Credentials, instruments common.InstrumentSet) QuoteResult {
	if instruments.Len() == 0 {
		return QuoteResult{OK: true, Quotes: common.Quotes{}}
	}

	admit := func(ctx context.Context) error {
		if c.limiter == nil {
			return nil
		}
		start := time.Now()
		err := c.limiter.Acquire(ctx, creds.Identity())
		c.metrics.RateWait(time.Since(start))
		return err
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		res, raw, ok := c.do(ctx, "quote", admit, func(ctx context.Context) (*common.RawResponse, error) {
			return c.transport.GetLTP(ctx, creds, instruments)
		})
		if !ok {
			if res != nil && res.ClientError() {
				// The request was wrong, the broker is fine.
				return quoteOutcome{raw: raw}, nil
			}
			return nil, errors.New(raw)
		}
		quotes, err := dhan.DecodeLTP(res.Body)
		if err != nil {
			return nil, err
		}
		return quoteOutcome{quotes: quotes, raw: raw, ok: true}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.BrokerCall("quote", "breaker_open")
		}
		return QuoteResult{Raw: err.Error()}
	}
	o := out.(quoteOutcome)
	return QuoteResult{OK: o.ok, Quotes: o.quotes, Raw: o.raw}
}

// do runs call under the retry policy. It returns the last response (nil on
// transport failure), the raw text to record, and whether the call succeeded.
func (c *Client) do(ctx context.Context, op string, admit func(context.Context) error, call func(context.Context) (*common.RawResponse, error)) (*common.RawResponse, string, bool) {
	var (
		raw  string
		last *common.RawResponse
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if admit != nil {
			if err := admit(ctx); err != nil {
				c.metrics.BrokerCall(op, "rate_limited")
				return nil, fmt.Sprintf("rate limiter: %v", err), false
			}
		}

		c.metrics.BrokerAttempt(op)
		res, err := call(ctx)
		switch {
		case err != nil:
			last, raw = nil, err.Error()
			log.Printf("broker: %s attempt %d/%d network error: %v", op, attempt, c.maxAttempts, err)
		case res.OK():
			c.metrics.BrokerCall(op, "ok")
			return res, string(res.Body), true
		case res.ClientError():
			c.metrics.BrokerCall(op, "client_error")
			log.Printf("broker: %s rejected status=%d body=%s", op, res.StatusCode, res.Body)
			return res, bodyOrStatus(res), false
		default:
			last, raw = res, bodyOrStatus(res)
			log.Printf("broker: %s attempt %d/%d status=%d", op, attempt, c.maxAttempts, res.StatusCode)
		}

		if attempt < c.maxAttempts {
			if err := sleepCtx(ctx, c.delay); err != nil {
				raw = fmt.Sprintf("%s (aborted: %v)", raw, err)
				break
			}
		}
	}
	c.metrics.BrokerCall(op, "exhausted")
	log.Printf("❌ broker: %s failed after retries: %s", op, raw)
	return last, raw, false
}

func bodyOrStatus(res *common.RawResponse) string {
	if len(res.Body) == 0 {
		return fmt.Sprintf("HTTP %d", res.StatusCode)
	}
	return string(res.Body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
