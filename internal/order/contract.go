package order

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"bracket-core/internal/instruments"
	"bracket-core/pkg/exchanges/common"
)

const defaultStrikeStep = 50

// ParseExpiryMonth reads "DEC-2025" (any case) into the first day of that month.
func ParseExpiryMonth(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: expiry month is required", ErrInvalidRequest)
	}
	// time.Parse wants "Dec", not "DEC".
	norm := strings.ToUpper(raw[:1]) + strings.ToLower(raw[1:])
	t, err := time.Parse("Jan-2006", norm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiry month %q, want MMM-YYYY", ErrInvalidRequest, raw)
	}
	return t, nil
}

// OptionQuery selects one contract from an option chain.
type OptionQuery struct {
	OptionType string
	Month      time.Time
	Moneyness  Moneyness
	Spot       float64
	Lots       int
}

// SelectOptionContract picks the monthly contract for q:
// the latest monthly expiry inside q.Month, then the strike nearest to the
// spot-rounded grid strike shifted one step for ITM/OTM.
func SelectOptionContract(underlying string, chain []instruments.Option, q OptionQuery) (Contract, error) {
	optType := strings.ToUpper(strings.TrimSpace(q.OptionType))
	if optType != "CE" && optType != "PE" {
		return Contract{}, fmt.Errorf("%w: option type %q", ErrInvalidRequest, q.OptionType)
	}
	if q.Spot <= 0 {
		return Contract{}, fmt.Errorf("%w: no spot price for %s", ErrNoContract, underlying)
	}

	var monthly []instruments.Option
	var latest time.Time
	for _, o := range chain {
		if o.OptionType != optType {
			continue
		}
		if o.ExpiryFlag != "" && o.ExpiryFlag != "M" {
			continue
		}
		if o.Expiry.Year() != q.Month.Year() || o.Expiry.Month() != q.Month.Month() {
			continue
		}
		monthly = append(monthly, o)
		if o.Expiry.After(latest) {
			latest = o.Expiry
		}
	}
	if len(monthly) == 0 {
		return Contract{}, fmt.Errorf("%w: %s %s %s", ErrNoContract, underlying, optType, q.Month.Format("Jan-2006"))
	}

	var rows []instruments.Option
	for _, o := range monthly {
		if o.Expiry.Equal(latest) {
			rows = append(rows, o)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Strike < rows[j].Strike })

	step := strikeStep(rows)
	base := math.Round(q.Spot/step) * step
	target := base
	switch Moneyness(strings.ToUpper(string(q.Moneyness))) {
	case OTM:
		if optType == "CE" {
			target = base + step
		} else {
			target = base - step
		}
	case ITM:
		if optType == "CE" {
			target = base - step
		} else {
			target = base + step
		}
	}

	best := rows[0]
	for _, o := range rows[1:] {
		if math.Abs(o.Strike-target) < math.Abs(best.Strike-target) {
			best = o
		}
	}

	lots := q.Lots
	if lots < 1 {
		lots = 1
	}
	return Contract{
		Symbol:        strings.ToUpper(underlying),
		TradingSymbol: best.TradingSymbol,
		SecurityID:    best.SecurityID,
		Segment:       common.SegmentNSEFNO,
		Quantity:      best.LotSize * lots,
		LotSize:       best.LotSize,
		TickSize:      best.TickSize,
		OptionType:    optType,
		Strike:        best.Strike,
		Expiry:        best.Expiry,
		SpotPrice:     q.Spot,
	}, nil
}

// strikeStep is the gap between the two smallest distinct strikes of sorted rows.
func strikeStep(rows []instruments.Option) float64 {
	for i := 1; i < len(rows); i++ {
		if d := rows[i].Strike - rows[0].Strike; d > 0 {
			return d
		}
	}
	return defaultStrikeStep
}
