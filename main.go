package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bracket-core/internal/api"
	"bracket-core/internal/broker"
	"bracket-core/internal/credentials"
	"bracket-core/internal/events"
	"bracket-core/internal/instruments"
	"bracket-core/internal/market"
	"bracket-core/internal/monitor"
	"bracket-core/internal/order"
	"bracket-core/internal/reconciliation"
	"bracket-core/internal/risk"
	"bracket-core/pkg/cache"
	"bracket-core/pkg/config"
	"bracket-core/pkg/crypto"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
	"bracket-core/pkg/exchanges/dhan"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	issueToken := flag.Int64("issue-token", 0, "print a 72h API token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	if *issueToken > 0 {
		tok, err := api.GenerateToken(*issueToken, cfg.JWTSecret, time.Now().Add(72*time.Hour))
		if err != nil {
			log.Fatalf("❌ token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	log.Printf("✓ Config loaded (port %s, db %s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ migrations: %v", err)
	}

	sealer, err := crypto.NewTokenSealerFromEnv()
	if err != nil {
		log.Fatalf("❌ token sealer: %v", err)
	}
	creds := credentials.NewService(database.Credentials(), sealer, common.Credentials{
		UserID:      cfg.SystemUserID,
		ClientID:    cfg.SystemClientID,
		AccessToken: cfg.SystemAccessToken,
	}, cfg.CredentialCacheTTL)

	// Instruments
	reg, err := instruments.LoadFile(cfg.InstrumentsCSV, cfg.IndexSecurityIDs)
	if err != nil {
		log.Fatalf("❌ instruments: %v", err)
	}
	catalog := instruments.NewCatalog(reg, cfg.InstrumentsCSV, cfg.IndexSecurityIDs)
	catalog.Start(ctx, cfg.InstrumentsReload)

	// Broker
	limiter := common.NewRateLimiter(cfg.Limits.GlobalQuota, cfg.Limits.GlobalWindow, cfg.Limits.IdentityInterval)
	brokerClient := broker.NewClient(dhan.NewClient(dhan.Config{BaseURL: cfg.BrokerBaseURL}), limiter, metrics, broker.Config{
		MaxAttempts: cfg.BrokerMaxAttempts,
		RetryDelay:  cfg.BrokerRetryDelay,
	})

	// Market data
	e := cfg.Engines
	prices := cache.NewShardedPriceCache(e.PriceFreshness)
	batch := market.NewBatchRequester(brokerClient, prices, metrics)
	resolver := market.NewResolver(prices, batch, brokerClient, e.PriceWait, metrics)
	refresh := &market.RefreshLoop{
		Batch:    batch,
		Cache:    prices,
		Ledger:   database.Orders(),
		System:   creds.System(),
		Indices:  cfg.IndexSecurityIDs,
		Interval: e.PriceBatchInterval,
		MaxAge:   e.PriceCacheMaxAge,
		Metrics:  metrics,
	}
	refresh.Start(ctx)
	market.NewIndexStream(cfg.IndexStreamURL, prices).Start(ctx)

	// Trade confirmations go to the bus and, when configured, a Redis stream.
	publishers := events.FanoutPublisher{bus}
	if cfg.RedisAddr != "" {
		rp, err := events.NewRedisPublisher(events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.TradeStream,
		})
		if err != nil {
			log.Printf("⚠️ Redis trade sink disabled: %v", err)
		} else {
			defer rp.Close()
			publishers = append(publishers, rp)
		}
	}

	// Bracket lifecycle
	ledger := &order.Ledger{Store: database.Orders(), Bus: bus}
	locks := order.NewEntryLocks()
	builder := order.NewBuildService(catalog, resolver, brokerClient, creds, ledger, locks, publishers, metrics, order.BuildConfig{
		FillPollAttempts: e.FillPollAttempts,
		FillPollInterval: e.FillPollInterval,
	})

	deps := risk.Deps{Ledger: ledger, Broker: brokerClient, Credentials: creds, Locks: locks, Metrics: metrics}
	risk.NewOCOEngine(deps, e.OCOInterval).Start(ctx)
	risk.NewTrailingEngine(deps, prices, e.TrailingInterval).Start(ctx)
	reconciliation.NewService(ledger, brokerClient, creds, locks, metrics, e.SyncInterval).Start(ctx)

	(&monitor.Monitor{Bus: bus, AlertFn: monitor.LogSink}).Start(ctx)

	// API
	server := api.NewServer(bus, database.Orders(), builder, creds, resolver, metrics, cfg.JWTSecret)
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		log.Printf("✓ API listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
}
