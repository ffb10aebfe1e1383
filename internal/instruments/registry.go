// Package instruments loads the broker's scrip master and answers
// security-id, lot-size, tick-size and option-chain lookups.
package instruments

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bracket-core/pkg/retry"
)

// DefaultTickSize applies when the master has no usable tick.
const DefaultTickSize = 0.05

// Equity is a cash-market stock.
type Equity struct {
	Symbol     string
	SecurityID string
	LotSize    int
	TickSize   float64
}

// Option is one option contract.
type Option struct {
	Underlying    string
	TradingSymbol string
	CustomSymbol  string
	SecurityID    string
	OptionType    string // CE / PE
	ExpiryFlag    string // M / W
	Expiry        time.Time
	Strike        float64
	LotSize       int
	TickSize      float64
}

// Registry is an immutable snapshot of the scrip master.
type Registry struct {
	equities map[string]Equity
	options  map[string][]Option
	indices  map[string]string
}

// Load parses a scrip master CSV. indexIDs maps index names to their
// security ids on the index segment and is merged with INDEX rows of the file.
func Load(r io.Reader, indexIDs map[string]string) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(headers))
	for i, h := range headers {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	reg := &Registry{
		equities: make(map[string]Equity),
		options:  make(map[string][]Option),
		indices:  make(map[string]string),
	}
	for name, id := range indexIDs {
		reg.indices[strings.ToUpper(name)] = id
	}

	skipped := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(rec) != len(headers) {
			skipped++
			continue
		}
		get := func(name string) string {
			if i, ok := col[name]; ok {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		symbol := strings.ToUpper(get("SEM_TRADING_SYMBOL"))
		secID := get("SEM_SMST_SECURITY_ID")
		instrType := strings.ToUpper(get("SEM_EXCH_INSTRUMENT_TYPE"))
		if symbol == "" || secID == "" {
			skipped++
			continue
		}

		switch {
		case strings.HasPrefix(instrType, "OP"):
			opt, ok := parseOption(get, symbol, secID)
			if !ok {
				skipped++
				continue
			}
			reg.options[opt.Underlying] = append(reg.options[opt.Underlying], opt)
		case instrType == "ES":
			if !strings.EqualFold(get("SEM_EXM_EXCH_ID"), "NSE") || !strings.EqualFold(get("SEM_SERIES"), "EQ") {
				continue
			}
			if _, dup := reg.equities[symbol]; dup {
				continue
			}
			reg.equities[symbol] = Equity{
				Symbol:     symbol,
				SecurityID: secID,
				LotSize:    parseLot(get("SEM_LOT_UNITS")),
				TickSize:   parseTick(get("SEM_TICK_SIZE")),
			}
		case instrType == "INDEX":
			if _, ok := reg.indices[symbol]; !ok {
				reg.indices[symbol] = secID
			}
		default:
			skipped++
		}
	}

	for _, chain := range reg.options {
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Expiry.Before(chain[j].Expiry) })
	}
	log.Printf("instruments: loaded %d equities, %d option underlyings, %d indices (%d rows skipped)",
		len(reg.equities), len(reg.options), len(reg.indices), skipped)
	return reg, nil
}

// LoadFile opens and parses a scrip master on disk.
func LoadFile(path string, indexIDs map[string]string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instruments: %w", err)
	}
	defer f.Close()
	return Load(f, indexIDs)
}

func parseOption(get func(string) string, symbol, secID string) (Option, bool) {
	expiry, ok := parseExpiry(get("SEM_EXPIRY_DATE"))
	if !ok {
		return Option{}, false
	}
	strike, err := strconv.ParseFloat(get("SEM_STRIKE_PRICE"), 64)
	if err != nil {
		return Option{}, false
	}
	underlying := symbol
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		underlying = symbol[:i]
	}
	return Option{
		Underlying:    underlying,
		TradingSymbol: symbol,
		CustomSymbol:  get("SEM_CUSTOM_SYMBOL"),
		SecurityID:    secID,
		OptionType:    strings.ToUpper(get("SEM_OPTION_TYPE")),
		ExpiryFlag:    strings.ToUpper(get("SEM_EXPIRY_FLAG")),
		Expiry:        expiry,
		Strike:        strike,
		LotSize:       parseLot(get("SEM_LOT_UNITS")),
		TickSize:      parseTick(get("SEM_TICK_SIZE")),
	}, true
}

// parseExpiry accepts "2025-12-30 14:30:00" and "30-12-2025 14:30".
func parseExpiry(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	date := strings.Fields(raw)[0]
	for _, layout := range []string{"2006-01-02", "02-01-2006"} {
		if t, err := time.Parse(layout, date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseLot(raw string) int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 {
		return 1
	}
	return int(f)
}

// parseTick reads the master's tick column. Values above 1 are in paise.
func parseTick(raw string) float64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return DefaultTickSize
	}
	if f > 1 {
		return f / 100
	}
	return f
}

// Equity looks up an NSE EQ stock by trading symbol.
func (r *Registry) Equity(symbol string) (Equity, bool) {
	e, ok := r.equities[strings.ToUpper(strings.TrimSpace(symbol))]
	return e, ok
}

// OptionChain returns every option of underlying sorted by expiry.
func (r *Registry) OptionChain(underlying string) []Option {
	return r.options[strings.ToUpper(strings.TrimSpace(underlying))]
}

// IndexSecurityID returns the index-segment id of an index name.
func (r *Registry) IndexSecurityID(name string) (string, bool) {
	id, ok := r.indices[strings.ToUpper(strings.TrimSpace(name))]
	return id, ok
}

// Catalog serves the current Registry and swaps it on reload.
type Catalog struct {
	path     string
	indexIDs map[string]string
	current  atomic.Pointer[Registry]

	policy retry.Policy
	load   func(path string, indexIDs map[string]string) (*Registry, error)
}

// NewCatalog wraps an initial registry. path is re-read by Reload.
func NewCatalog(reg *Registry, path string, indexIDs map[string]string) *Catalog {
	c := &Catalog{path: path, indexIDs: indexIDs, policy: retry.DefaultPolicy, load: LoadFile}
	c.current.Store(reg)
	return c
}

// Registry returns the current snapshot.
func (c *Catalog) Registry() *Registry {
	return c.current.Load()
}

// Equity implements lookups against the current snapshot.
func (c *Catalog) Equity(symbol string) (Equity, bool) { return c.Registry().Equity(symbol) }

// OptionChain implements lookups against the current snapshot.
func (c *Catalog) OptionChain(underlying string) []Option {
	return c.Registry().OptionChain(underlying)
}

// IndexSecurityID implements lookups against the current snapshot.
func (c *Catalog) IndexSecurityID(name string) (string, bool) {
	return c.Registry().IndexSecurityID(name)
}

// Reload re-parses the file; the previous snapshot stays on failure.
func (c *Catalog) Reload() error {
	reg, err := c.load(c.path, c.indexIDs)
	if err != nil {
		return err
	}
	c.current.Store(reg)
	return nil
}

// reloadWithRetry covers a master that is mid-replacement when the tick fires.
func (c *Catalog) reloadWithRetry(ctx context.Context) error {
	_, err := retry.Do(ctx, c.policy, "instruments-reload", func(context.Context) (struct{}, error) {
		return struct{}{}, c.Reload()
	})
	return err
}

// Start reloads the master every interval until ctx is done.
func (c *Catalog) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.reloadWithRetry(ctx); err != nil {
					log.Printf("⚠️ instruments: reload failed, keeping previous snapshot: %v", err)
				}
			}
		}
	}()
}
