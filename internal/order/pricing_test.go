package order

import (
	"math"
	"testing"

	"bracket-core/pkg/exchanges/common"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{495.0, 0.05, 495.0},
		{495.024, 0.05, 495.0},
		{495.025, 0.05, 495.05},
		{514.8, 0.05, 514.8},
		{101.234, 0.10, 101.2},
		{24012, 50, 24000},
		{24025, 50, 24050},
		{100.03, 0, 100.05},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.price, tt.tick); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestRoundToTickIdempotent(t *testing.T) {
	for _, tick := range []float64{0.05, 0.1, 0.25, 1, 5} {
		for x := 1.0; x < 1000; x += 7.37 {
			once := RoundToTick(x, tick)
			if twice := RoundToTick(once, tick); twice != once {
				t.Fatalf("tick %v: round(%v)=%v, round again=%v", tick, x, once, twice)
			}
		}
	}
}

func TestComputeBracket(t *testing.T) {
	t.Run("buy 500 sl 1 tgt 2", func(t *testing.T) {
		p := ComputeBracket(common.SideBuy, 500, 1, 2, 0.05)
		if p.StopLoss != 495 || p.Target != 510 {
			t.Fatalf("prices = %+v", p)
		}
		if p.Trigger != 495.05 {
			t.Fatalf("trigger = %v, want one tick above the SELL stop", p.Trigger)
		}
		if !(p.StopLoss < 500 && 500 < p.Target) {
			t.Fatal("buy ordering broken")
		}
	})

	t.Run("sell inverts", func(t *testing.T) {
		p := ComputeBracket(common.SideSell, 500, 1, 2, 0.05)
		if p.StopLoss != 505 || p.Target != 490 || p.Trigger != 504.95 {
			t.Fatalf("prices = %+v", p)
		}
	})

	t.Run("zero percentages sit on entry", func(t *testing.T) {
		p := ComputeBracket(common.SideBuy, 500, 0, 0, 0.05)
		if p.StopLoss != 500 || p.Target != 500 {
			t.Fatalf("prices = %+v", p)
		}
	})
}

func TestTrailing(t *testing.T) {
	if got := ProfitPercent(common.SideBuy, 500, 520); math.Abs(got-4) > 1e-9 {
		t.Fatalf("profit = %v", got)
	}
	if got := ProfitPercent(common.SideSell, 500, 490); math.Abs(got-2) > 1e-9 {
		t.Fatalf("short profit = %v", got)
	}
	if got := TrailCandidate(common.SideBuy, 520, 1, 0.05); got != 514.8 {
		t.Fatalf("candidate = %v, want 514.80", got)
	}
	if got := TrailCandidate(common.SideSell, 480, 1, 0.05); got != 484.8 {
		t.Fatalf("short candidate = %v", got)
	}
	if !MoreProtective(common.SideBuy, 514.8, 495) || MoreProtective(common.SideBuy, 495, 495) {
		t.Fatal("long protection check")
	}
	if !MoreProtective(common.SideSell, 484.8, 505) || MoreProtective(common.SideSell, 506, 505) {
		t.Fatal("short protection check")
	}
}
