package main

import (
	"context"
	"log"
	"os"
	"time"

	"bracket-core/internal/broker"
	"bracket-core/pkg/config"
	"bracket-core/pkg/exchanges/common"
	"bracket-core/pkg/exchanges/dhan"
)

// broker_api_check runs the read-only broker calls with the system identity:
// order book, then one quote for the configured indices and CHECK_EQUITY_ID.
//
//	go run ./scripts/broker_api_check
//
// SYSTEM_CLIENT_ID / SYSTEM_ACCESS_TOKEN must be set, as for the service.
// CHECK_EQUITY_ID (default "2885") is quoted on NSE_EQ.
func main() {
	log.Println("=== Broker API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.SystemClientID == "" || cfg.SystemAccessToken == "" {
		log.Fatal("SYSTEM_CLIENT_ID/SYSTEM_ACCESS_TOKEN empty, nothing to check")
	}
	creds := common.Credentials{
		UserID:      cfg.SystemUserID,
		ClientID:    cfg.SystemClientID,
		AccessToken: cfg.SystemAccessToken,
		System:      true,
	}

	limiter := common.NewRateLimiter(cfg.Limits.GlobalQuota, cfg.Limits.GlobalWindow, cfg.Limits.IdentityInterval)
	client := broker.NewClient(dhan.NewClient(dhan.Config{BaseURL: cfg.BrokerBaseURL}), limiter, nil, broker.Config{
		MaxAttempts: 1,
		RetryDelay:  time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	book := client.OrderBook(ctx, creds)
	if book.OK {
		log.Printf("[ORDERS] ✓ order book: %d orders", len(book.Orders))
		for i, o := range book.Orders {
			if i == 5 {
				break
			}
			log.Printf("[ORDERS]   %s %s %s x%d @ %.2f", o.BrokerOrderID, o.Status, o.Side, o.Quantity, o.Price)
		}
	} else {
		log.Printf("[ORDERS] ❌ order book failed: %s", book.Raw)
	}

	set := common.InstrumentSet{}
	for name, id := range cfg.IndexSecurityIDs {
		set.Add(common.SegmentIndex, id)
		log.Printf("[QUOTE] index %s -> %s", name, id)
	}
	set.Add(common.SegmentNSEEquity, getenv("CHECK_EQUITY_ID", "2885"))

	q := client.Quote(ctx, creds, set)
	if !q.OK {
		log.Fatalf("[QUOTE] ❌ quote failed: %s", q.Raw)
	}
	for seg, ids := range set {
		for _, id := range ids {
			if ltp, ok := q.Quotes.Get(seg, id); ok {
				log.Printf("[QUOTE] ✓ %s %s ltp=%.2f", seg, id, ltp)
			} else {
				log.Printf("[QUOTE] ⚠️ %s %s missing from reply", seg, id)
			}
		}
	}
	log.Println("=== Broker API check done ===")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
