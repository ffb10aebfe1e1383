package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"bracket-core/pkg/cache"
	"bracket-core/pkg/exchanges/common"

	"github.com/gorilla/websocket"
)

const streamReconnectDelay = 3 * time.Second

// Tick is one message of the index price stream.
type Tick struct {
	Segment    common.Segment `json:"segment"`
	SecurityID json.Number    `json:"security_id"`
	LTP        float64        `json:"ltp"`
}

// IndexStream keeps a websocket price feed open and writes its ticks into
// the cache. A dropped connection is redialled after a fixed delay.
type IndexStream struct {
	URL   string
	Cache *cache.ShardedPriceCache

	dialer         *websocket.Dialer
	reconnectDelay time.Duration
}

// NewIndexStream creates a stream client for url.
func NewIndexStream(url string, c *cache.ShardedPriceCache) *IndexStream {
	return &IndexStream{
		URL:            url,
		Cache:          c,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: streamReconnectDelay,
	}
}

// Start runs the stream until ctx is done.
func (s *IndexStream) Start(ctx context.Context) {
	if s.URL == "" || s.Cache == nil {
		log.Println("market: index stream not configured; skipping start")
		return
	}
	go s.run(ctx)
}

func (s *IndexStream) run(ctx context.Context) {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			log.Println("market: index stream stopped")
			return
		}
		log.Printf("⚠️ market: index stream disconnected: %v (reconnecting in %s)", err, s.reconnectDelay)

		t := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume reads one connection until it fails or ctx is done.
func (s *IndexStream) consume(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial index stream: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	log.Printf("✓ market: index stream connected to %s", s.URL)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		ticks, err := parseTicks(msg)
		if err != nil {
			log.Printf("market: index stream parse error: %v", err)
			continue
		}
		for _, t := range ticks {
			s.Cache.Set(t.Segment, t.SecurityID.String(), t.LTP)
		}
	}
}

// parseTicks accepts a single tick object or an array of them.
func parseTicks(msg []byte) ([]Tick, error) {
	trimmed := strings.TrimSpace(string(msg))
	var ticks []Tick
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(msg, &ticks); err != nil {
			return nil, err
		}
	} else {
		var t Tick
		if err := json.Unmarshal(msg, &t); err != nil {
			return nil, err
		}
		ticks = []Tick{t}
	}

	out := ticks[:0]
	for _, t := range ticks {
		if t.Segment == "" || t.SecurityID == "" || t.LTP <= 0 {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
