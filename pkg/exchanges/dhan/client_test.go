package dhan

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bracket-core/pkg/exchanges/common"
)

func TestPlaceOrderRequestShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("access-token") != "tok" || r.Header.Get("client-id") != "C1" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":"1122","orderStatus":"TRANSIT"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	creds := common.Credentials{UserID: 7, ClientID: "C1", AccessToken: "tok"}
	res, err := c.PlaceOrder(context.Background(), creds, common.OrderRequest{
		SecurityID:   "2885",
		Segment:      common.SegmentNSEEquity,
		Side:         common.SideSell,
		Type:         common.OrderTypeStopLoss,
		Product:      common.ProductIntraday,
		Quantity:     10,
		Price:        495,
		TriggerPrice: 495.05,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !res.OK() {
		t.Fatalf("status = %d", res.StatusCode)
	}

	want := map[string]interface{}{
		"transactionType":  "SELL",
		"exchangeSegment":  "NSE_EQ",
		"productType":      "INTRADAY",
		"orderType":        "STOP_LOSS",
		"validity":         "DAY",
		"securityId":       "2885",
		"quantity":         float64(10),
		"price":            495.0,
		"triggerPrice":     495.05,
		"afterMarketOrder": false,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	ack, err := DecodeOrderAck(res.Body, common.StatusPending)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.OrderID != "1122" || ack.Status != common.StatusTransit {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestLTPRequestMapsIndexSegment(t *testing.T) {
	var got map[string][]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/marketfeed/ltp" {
			t.Errorf("path = %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("body %s: %v", b, err)
		}
		_, _ = w.Write([]byte(`{"data":{"IDX_I":{"13":{"last_price":24150.5}},"NSE_EQ":{"2885":{"last_price":500.1}}},"status":"success"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.GetLTP(context.Background(), common.Credentials{System: true}, common.InstrumentSet{
		common.SegmentNSEIndex:  {"13"},
		common.SegmentNSEEquity: {"2885"},
	})
	if err != nil {
		t.Fatalf("ltp: %v", err)
	}
	if len(got["IDX_I"]) != 1 || got["IDX_I"][0] != 13 {
		t.Fatalf("index ids sent = %v", got)
	}
	if _, ok := got["NSE_IDX"]; ok {
		t.Fatal("NSE_IDX must be mapped to IDX_I")
	}

	quotes, err := DecodeLTP(res.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p, ok := quotes.Get(common.SegmentIndex, "13"); !ok || p != 24150.5 {
		t.Fatalf("index quote = %v %v", p, ok)
	}
	if p, _ := quotes.Get(common.SegmentNSEEquity, "2885"); p != 500.1 {
		t.Fatalf("equity quote = %v", p)
	}
}

func TestLTPRejectsNonNumericIDs(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := c.GetLTP(context.Background(), common.Credentials{}, common.InstrumentSet{common.SegmentNSEEquity: {"ABC"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCancelAndStatusPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/orders/55":
			_, _ = w.Write([]byte(`{"orderId":"55"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders/55":
			_, _ = w.Write([]byte(`[{"orderId":55,"orderStatus":"traded","averageTradedPrice":501.25}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	res, err := c.CancelOrder(ctx, common.Credentials{}, "55")
	if err != nil || !res.OK() {
		t.Fatalf("cancel: %v %+v", err, res)
	}
	ack, _ := DecodeOrderAck(res.Body, common.StatusCancelled)
	if ack.Status != common.StatusCancelled {
		t.Fatalf("default cancel status = %s", ack.Status)
	}

	res, err = c.GetOrder(ctx, common.Credentials{}, "55")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o, err := DecodeOrder(res.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.BrokerOrderID != "55" || o.Status != common.StatusTraded || o.TradedPrice != 501.25 {
		t.Fatalf("order = %+v", o)
	}
}

func TestDecodeOrderBook(t *testing.T) {
	body := []byte(`[
		{"orderId":"1","orderStatus":"TRIGGER_PENDING","price":495,"triggerPrice":495.05,"securityId":"2885","exchangeSegment":"NSE_EQ","transactionType":"SELL","quantity":10},
		{"orderId":"2","orderStatus":"CANCELLED"}
	]`)
	book, err := DecodeOrderBook(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(book) != 2 {
		t.Fatalf("len = %d", len(book))
	}
	if book[0].Status != common.StatusTriggerPending || book[0].TriggerPrice != 495.05 {
		t.Fatalf("row 0 = %+v", book[0])
	}
	if book[1].Status != common.StatusCancelled {
		t.Fatalf("row 1 = %+v", book[1])
	}
}
