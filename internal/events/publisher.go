package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// TradePublisher delivers trade confirmations to downstream consumers.
// Delivery is fire-and-forget: failures are logged, never returned to the
// build path.
type TradePublisher interface {
	PublishTradeConfirmed(ctx context.Context, t TradeConfirmed)
}

// PublishTradeConfirmed makes the Bus itself a TradePublisher.
func (b *Bus) PublishTradeConfirmed(_ context.Context, t TradeConfirmed) {
	b.Publish(EventTradeConfirmed, t)
}

// FanoutPublisher sends every confirmation to all sinks.
type FanoutPublisher []TradePublisher

func (f FanoutPublisher) PublishTradeConfirmed(ctx context.Context, t TradeConfirmed) {
	for _, p := range f {
		if p != nil {
			p.PublishTradeConfirmed(ctx, t)
		}
	}
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisPublisher appends confirmations to a Redis stream.
type RedisPublisher struct {
	client  *goredis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = 10000
	}
	log.Printf("[redis] trade stream %s on %s", cfg.Stream, cfg.Addr)
	return &RedisPublisher{client: client, stream: cfg.Stream, maxLen: maxLen, timeout: 3 * time.Second}, nil
}

// PublishTradeConfirmed XADDs the confirmation asynchronously.
func (r *RedisPublisher) PublishTradeConfirmed(ctx context.Context, t TradeConfirmed) {
	payload, err := json.Marshal(t)
	if err != nil {
		log.Printf("[redis] encode trade %d: %v", t.EntryID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		err := r.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"event_id": t.EventID,
				"entry_id": t.EntryID,
				"user_id":  t.UserID,
				"data":     payload,
			},
		}).Err()
		if err != nil {
			log.Printf("[redis] xadd trade %d: %v", t.EntryID, err)
		}
	}()
}

// Close releases the Redis connection pool.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
