package position

import (
	"testing"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

func pd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRegistry_OpenGetHasCount(t *testing.T) {
	r := New(nil, nil)
	if r.Has("BTCUSDT") {
		t.Fatal("expected no open position before Open is called")
	}
	r.Open(domain.Position{Symbol: "BTCUSDT", EntryPrice: pd("100"), Size: pd("1")})

	if !r.Has("BTCUSDT") {
		t.Fatal("expected Has to report true after Open")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
	pos, ok := r.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected Get to find the position")
	}
	if !pos.EntryPrice.Equal(pd("100")) {
		t.Errorf("expected entry price 100, got %s", pos.EntryPrice)
	}
}

func TestRegistry_All(t *testing.T) {
	r := New(nil, nil)
	r.Open(domain.Position{Symbol: "BTCUSDT", EntryPrice: pd("100"), Size: pd("1")})
	r.Open(domain.Position{Symbol: "ETHUSDT", EntryPrice: pd("2000"), Size: pd("1")})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(all))
	}
}

func TestRegistry_TotalExposure(t *testing.T) {
	r := New(nil, nil)
	r.Open(domain.Position{Symbol: "BTCUSDT", EntryPrice: pd("100"), Size: pd("2")})
	r.Open(domain.Position{Symbol: "ETHUSDT", EntryPrice: pd("10"), Size: pd("5")})

	got := r.TotalExposure()
	if !got.Equal(pd("250")) { // 100*2 + 10*5
		t.Errorf("expected total exposure 250, got %s", got)
	}
}

func TestRegistry_Open_ReplacesExistingSymbol(t *testing.T) {
	r := New(nil, nil)
	r.Open(domain.Position{Symbol: "BTCUSDT", EntryPrice: pd("100"), Size: pd("1")})
	r.Open(domain.Position{Symbol: "BTCUSDT", EntryPrice: pd("200"), Size: pd("1")})

	if r.Count() != 1 {
		t.Fatalf("expected a single position after re-opening the same symbol, got %d", r.Count())
	}
	pos, _ := r.Get("BTCUSDT")
	if !pos.EntryPrice.Equal(pd("200")) {
		t.Errorf("expected the latest entry price to win, got %s", pos.EntryPrice)
	}
}
