package domain

import "testing"

func TestUnrealizedPnL_Long(t *testing.T) {
	p := Position{Direction: DirectionLong, EntryPrice: d("100"), Size: d("2")}
	pnl := p.UnrealizedPnL(d("110"))
	if !pnl.Equal(d("20")) {
		t.Errorf("expected pnl 20, got %s", pnl)
	}
}

func TestUnrealizedPnL_Short(t *testing.T) {
	p := Position{Direction: DirectionShort, EntryPrice: d("100"), Size: d("2")}
	pnl := p.UnrealizedPnL(d("90"))
	if !pnl.Equal(d("20")) {
		t.Errorf("expected pnl 20 for a short that moved down, got %s", pnl)
	}
}

func TestUnrealizedPnLPercent_ZeroEntryNotional(t *testing.T) {
	p := Position{Direction: DirectionLong, EntryPrice: d("0"), Size: d("2")}
	if pct := p.UnrealizedPnLPercent(d("10")); !pct.IsZero() {
		t.Errorf("expected zero percent with zero entry notional, got %s", pct)
	}
}

func TestAtOrBeyondBreakeven(t *testing.T) {
	p := Position{EntryPrice: d("100"), StopLoss: d("100.01"), BreakevenMoved: true}
	if !p.AtOrBeyondBreakeven(d("0.1")) {
		t.Fatal("expected breakeven within one tick to report true")
	}

	p.BreakevenMoved = false
	if p.AtOrBeyondBreakeven(d("0.1")) {
		t.Fatal("expected false when breakeven was never promoted, regardless of stop distance")
	}
}

func TestAtOrBeyondBreakeven_BeyondTick(t *testing.T) {
	p := Position{EntryPrice: d("100"), StopLoss: d("105"), BreakevenMoved: true}
	if p.AtOrBeyondBreakeven(d("0.1")) {
		t.Fatal("expected false when stop is far from entry")
	}
}
