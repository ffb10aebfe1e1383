package instruments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bracket-core/pkg/retry"
)

const master = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_LOT_UNITS,SEM_CUSTOM_SYMBOL,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE,SEM_TICK_SIZE,SEM_EXPIRY_FLAG,SEM_EXCH_INSTRUMENT_TYPE,SEM_SERIES
NSE,E,1594,EQUITY,INFY,1.0,Infosys,,,,5.0000,,ES,EQ
NSE,E,2885,EQUITY,RELIANCE,1.0,Reliance,,,,0.05,,ES,EQ
NSE,E,9999,EQUITY,RELIANCE,1.0,Reliance BE,,,,0.05,,ES,BE
BSE,E,500325,EQUITY,RELIANCE,1.0,Reliance,,,,0.05,,ES,A
NSE,I,13,INDEX,NIFTY,1.0,Nifty 50,,,,0.05,,INDEX,
NSE,D,43000,OPTIDX,NIFTY-Dec2025-24000-CE,75.0,NIFTY 30 DEC 24000 CALL,2025-12-30 14:30:00,24000.00000,CE,5.0000,M,OP,
NSE,D,42000,OPTIDX,NIFTY-Dec2025-23950-CE,75.0,NIFTY 23 DEC 23950 CALL,23-12-2025 14:30,23950.00000,CE,5.0000,W,OP,
NSE,D,41000,OPTIDX,NIFTY-Nov2025-24000-CE,75.0,NIFTY 25 NOV 24000 CALL,2025-11-25 14:30:00,24000.00000,CE,5.0000,M,OP,
NSE,D,40000,OPTIDX,NIFTY-Dec2025-24000-PE,75.0,NIFTY 30 DEC 24000 PUT,bad-date,24000.00000,PE,5.0000,M,OP,
NSE,D,1,OPTIDX,BROKEN,75.0
`

func TestLoad(t *testing.T) {
	reg, err := Load(strings.NewReader(master), map[string]string{"banknifty": "25"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	t.Run("equities keep the NSE EQ row", func(t *testing.T) {
		e, ok := reg.Equity("reliance")
		if !ok || e.SecurityID != "2885" || e.TickSize != 0.05 {
			t.Fatalf("RELIANCE = %+v %v", e, ok)
		}
		infy, _ := reg.Equity("INFY")
		if infy.TickSize != 0.05 {
			t.Fatalf("paise tick not converted: %v", infy.TickSize)
		}
		if _, ok := reg.Equity("TCS"); ok {
			t.Fatal("unknown symbol found")
		}
	})

	t.Run("option chain sorted by expiry", func(t *testing.T) {
		chain := reg.OptionChain("nifty")
		if len(chain) != 3 {
			t.Fatalf("chain len = %d, want 3 (bad date dropped)", len(chain))
		}
		if chain[0].SecurityID != "41000" || chain[2].SecurityID != "43000" {
			t.Fatalf("chain order = %s..%s", chain[0].SecurityID, chain[2].SecurityID)
		}
		if chain[2].LotSize != 75 || chain[2].TickSize != 0.05 || chain[2].Strike != 24000 {
			t.Fatalf("contract = %+v", chain[2])
		}
		if chain[1].Expiry.Day() != 23 || chain[1].ExpiryFlag != "W" {
			t.Fatalf("dd-MM-yyyy expiry = %+v", chain[1])
		}
	})

	t.Run("indices from file and config", func(t *testing.T) {
		if id, ok := reg.IndexSecurityID("NIFTY"); !ok || id != "13" {
			t.Fatalf("NIFTY = %q", id)
		}
		if id, ok := reg.IndexSecurityID("BankNifty"); !ok || id != "25" {
			t.Fatalf("BANKNIFTY = %q", id)
		}
	})
}

func TestParseTick(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"0.05", 0.05},
		{"5", 0.05},
		{"10.0000", 0.10},
		{"1", 1},
		{"", DefaultTickSize},
		{"abc", DefaultTickSize},
		{"0", DefaultTickSize},
	}
	for _, tt := range tests {
		if got := parseTick(tt.raw); got != tt.want {
			t.Errorf("parseTick(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestCatalogReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.csv")
	if err := os.WriteFile(path, []byte(master), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cat := NewCatalog(reg, path, nil)

	updated := strings.Replace(master, "NSE,E,2885,", "NSE,E,2886,", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cat.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e, _ := cat.Equity("RELIANCE"); e.SecurityID != "2886" {
		t.Fatalf("after reload id = %s", e.SecurityID)
	}

	_ = os.Remove(path)
	if err := cat.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if e, _ := cat.Equity("RELIANCE"); e.SecurityID != "2886" {
		t.Fatal("failed reload replaced the snapshot")
	}
}

func TestCatalogReloadRetriesTransientFailure(t *testing.T) {
	reg, err := Load(strings.NewReader(master), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cat := NewCatalog(reg, "master.csv", nil)
	cat.policy = retry.Policy{MaxAttempts: 3, Min: time.Millisecond, Max: time.Millisecond, Factor: 1}

	calls := 0
	updated := strings.Replace(master, "NSE,E,2885,", "NSE,E,2886,", 1)
	cat.load = func(string, map[string]string) (*Registry, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("file being replaced")
		}
		return Load(strings.NewReader(updated), nil)
	}

	if err := cat.reloadWithRetry(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if calls != 3 {
		t.Fatalf("load calls = %d, want 3", calls)
	}
	if e, _ := cat.Equity("RELIANCE"); e.SecurityID != "2886" {
		t.Fatalf("after reload id = %s", e.SecurityID)
	}

	calls = -10
	if err := cat.reloadWithRetry(context.Background()); err == nil {
		t.Fatal("expected error once attempts run out")
	}
	if e, _ := cat.Equity("RELIANCE"); e.SecurityID != "2886" {
		t.Fatal("failed reload replaced the snapshot")
	}
}
