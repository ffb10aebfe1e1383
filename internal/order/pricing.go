package order

import (
	"bracket-core/pkg/exchanges/common"

	"github.com/shopspring/decimal"
)

// DefaultTickSize is used when an instrument carries no tick.
const DefaultTickSize = 0.05

// RoundToTick rounds price to the nearest multiple of tick, halves away from zero.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTickSize
	}
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(price).Div(t).Round(0)
	f, _ := steps.Mul(t).Float64()
	return f
}

// RawStopLoss is the unrounded stop for an entry at price.
func RawStopLoss(side common.Side, price, pct float64) float64 {
	if side == common.SideSell {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}

// RawTarget is the unrounded target for an entry at price.
func RawTarget(side common.Side, price, pct float64) float64 {
	if side == common.SideSell {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}

// TriggerPrice places the trigger one tick beyond the stop so a SELL stop
// (long entry) triggers above its limit and a BUY stop (short entry) below.
func TriggerPrice(entrySide common.Side, stop, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTickSize
	}
	if entrySide == common.SideSell {
		return RoundToTick(stop-tick, tick)
	}
	return RoundToTick(stop+tick, tick)
}

// BracketPrices are the tick-rounded exit prices of a bracket.
type BracketPrices struct {
	StopLoss float64
	Trigger  float64
	Target   float64
}

// ComputeBracket derives rounded stop, trigger and target for an entry.
func ComputeBracket(side common.Side, entry, slPct, tgtPct, tick float64) BracketPrices {
	stop := RoundToTick(RawStopLoss(side, entry, slPct), tick)
	return BracketPrices{
		StopLoss: stop,
		Trigger:  TriggerPrice(side, stop, tick),
		Target:   RoundToTick(RawTarget(side, entry, tgtPct), tick),
	}
}

// TrailCandidate is the stop implied by a watermark and trailing percent.
func TrailCandidate(side common.Side, watermark, pct, tick float64) float64 {
	if side == common.SideSell {
		return RoundToTick(watermark*(1+pct/100), tick)
	}
	return RoundToTick(watermark*(1-pct/100), tick)
}

// ProfitPercent is the side-adjusted move from entry to ltp.
func ProfitPercent(side common.Side, entry, ltp float64) float64 {
	if entry <= 0 {
		return 0
	}
	if side == common.SideSell {
		return (entry - ltp) / entry * 100
	}
	return (ltp - entry) / entry * 100
}

// MoreProtective reports whether candidate tightens current for the entry side.
func MoreProtective(side common.Side, candidate, current float64) bool {
	if side == common.SideSell {
		return candidate < current
	}
	return candidate > current
}
