package order

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"bracket-core/internal/instruments"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func niftyChain() []instruments.Option {
	var chain []instruments.Option
	add := func(expiry time.Time, flag, typ string, strikes ...float64) {
		for _, k := range strikes {
			chain = append(chain, instruments.Option{
				Underlying:    "NIFTY",
				TradingSymbol: "NIFTY-" + expiry.Format("Jan2006") + "-" + typ,
				SecurityID:    expiry.Format("0102") + typ + strconv.FormatFloat(k, 'f', 0, 64),
				OptionType:    typ,
				ExpiryFlag:    flag,
				Expiry:        expiry,
				Strike:        k,
				LotSize:       75,
				TickSize:      0.05,
			})
		}
	}
	add(date(2025, 12, 23), "W", "CE", 23900, 23950, 24000, 24050, 24100)
	add(date(2025, 12, 30), "M", "CE", 23900, 24000, 24100, 24200)
	add(date(2025, 12, 30), "M", "PE", 23900, 24000, 24100)
	add(date(2025, 11, 25), "M", "CE", 24000, 24100)
	return chain
}

func TestParseExpiryMonth(t *testing.T) {
	m, err := ParseExpiryMonth("DEC-2025")
	if err != nil || m.Month() != time.December || m.Year() != 2025 {
		t.Fatalf("month = %v, %v", m, err)
	}
	if _, err := ParseExpiryMonth("12/2025"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	if _, err := ParseExpiryMonth(""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectOptionContract(t *testing.T) {
	dec := date(2025, 12, 1)
	tests := []struct {
		name       string
		q          OptionQuery
		wantStrike float64
	}{
		{"ATM CE rounds spot to grid", OptionQuery{OptionType: "CE", Month: dec, Moneyness: ATM, Spot: 24040}, 24000},
		{"OTM CE steps up", OptionQuery{OptionType: "CE", Month: dec, Moneyness: OTM, Spot: 24040}, 24100},
		{"ITM CE steps down", OptionQuery{OptionType: "CE", Month: dec, Moneyness: ITM, Spot: 24040}, 23900},
		{"OTM PE steps down", OptionQuery{OptionType: "pe", Month: dec, Moneyness: OTM, Spot: 24040}, 23900},
		{"ITM PE steps up", OptionQuery{OptionType: "PE", Month: dec, Moneyness: ITM, Spot: 24040}, 24100},
		{"nearest listed strike", OptionQuery{OptionType: "CE", Month: dec, Moneyness: OTM, Spot: 24260}, 24200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.q.Lots = 2
			c, err := SelectOptionContract("nifty", niftyChain(), tt.q)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if c.Strike != tt.wantStrike {
				t.Fatalf("strike = %v, want %v", c.Strike, tt.wantStrike)
			}
			if !c.Expiry.Equal(date(2025, 12, 30)) {
				t.Fatalf("expiry = %v, want the monthly 30-Dec", c.Expiry)
			}
			if c.Quantity != 150 || c.Segment != "NSE_FNO" || c.Symbol != "NIFTY" {
				t.Fatalf("contract = %+v", c)
			}
		})
	}
}

func TestSelectOptionContractStep(t *testing.T) {
	chain := []instruments.Option{
		{OptionType: "CE", ExpiryFlag: "M", Expiry: date(2025, 12, 30), Strike: 500, SecurityID: "a", LotSize: 10},
		{OptionType: "CE", ExpiryFlag: "M", Expiry: date(2025, 12, 30), Strike: 500, SecurityID: "b", LotSize: 10},
		{OptionType: "CE", ExpiryFlag: "M", Expiry: date(2025, 12, 30), Strike: 520, SecurityID: "c", LotSize: 10},
	}
	c, err := SelectOptionContract("SBIN", chain, OptionQuery{OptionType: "CE", Month: date(2025, 12, 1), Moneyness: OTM, Spot: 507})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// step 20 from the two smallest distinct strikes, base 500, OTM 520
	if c.SecurityID != "c" {
		t.Fatalf("picked %+v", c)
	}

	single := chain[:1]
	c, err = SelectOptionContract("SBIN", single, OptionQuery{OptionType: "CE", Month: date(2025, 12, 1), Moneyness: ATM, Spot: 507})
	if err != nil || c.SecurityID != "a" || c.Quantity != 10 {
		t.Fatalf("single strike = %+v, %v", c, err)
	}
}

func TestSelectOptionContractNoMatch(t *testing.T) {
	_, err := SelectOptionContract("NIFTY", niftyChain(), OptionQuery{OptionType: "PE", Month: date(2026, 1, 1), Spot: 24000})
	if !errors.Is(err, ErrNoContract) {
		t.Fatalf("err = %v", err)
	}
	_, err = SelectOptionContract("NIFTY", niftyChain(), OptionQuery{OptionType: "XX", Month: date(2025, 12, 1), Spot: 24000})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}
