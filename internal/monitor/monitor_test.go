package monitor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/config"
	"densityengine/internal/density"
	"densityengine/internal/domain"
	"densityengine/internal/history"
)

func md(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestMonitor(hist *history.Store) *Monitor {
	if hist == nil {
		hist = history.New()
	}
	return New(nil, density.New(), hist, nil, nil)
}

func TestCheckBreakeven_BreakoutFiresAtProfitThreshold(t *testing.T) {
	m := newTestMonitor(nil)
	pos := domain.Position{
		Direction:  domain.DirectionLong,
		EntryPrice: md("100"),
		Size:       md("1"),
		SignalKind: domain.SignalBreakout,
	}
	params := domain.CoinParameters{BreakevenProfitPercent: md("1")}

	if m.checkBreakeven(pos, md("100.5"), nil, params) {
		t.Error("expected no breakeven promotion below the profit threshold")
	}
	if !m.checkBreakeven(pos, md("101.5"), nil, params) {
		t.Error("expected breakeven promotion once profit clears the threshold")
	}
}

func TestCheckBreakeven_BounceFiresOnDensityErosion(t *testing.T) {
	m := newTestMonitor(nil)
	pos := domain.Position{
		Direction:    domain.DirectionLong,
		EntryPrice:   md("100"),
		Size:         md("1"),
		SignalKind:   domain.SignalBounce,
		DensityPrice: md("99"),
	}
	params := domain.CoinParameters{BounceDensityErosionExitPct: md("50")}

	stable := []domain.Density{
		{Side: domain.SideBid, PriceLevel: md("99"), InitialVolume: md("100"), CurrentVolume: md("90")},
	}
	if m.checkBreakeven(pos, md("100"), stable, params) {
		t.Error("expected no promotion while density is stable")
	}

	eroded := []domain.Density{
		{Side: domain.SideBid, PriceLevel: md("99"), InitialVolume: md("100"), CurrentVolume: md("40")},
	}
	if !m.checkBreakeven(pos, md("100"), eroded, params) {
		t.Error("expected promotion once the supporting density erodes past the threshold")
	}
}

func TestCheckCounterDensity_LongFiresOnAskAboveMid(t *testing.T) {
	m := newTestMonitor(nil)
	pos := domain.Position{Direction: domain.DirectionLong}
	densities := []domain.Density{
		{Side: domain.SideAsk, PriceLevel: md("105")},
	}
	if !m.checkCounterDensity(pos, md("100"), densities) {
		t.Error("expected counter density to fire for a long facing a new ask above mid")
	}
}

func TestCheckCounterDensity_IgnoresDeadDensities(t *testing.T) {
	m := newTestMonitor(nil)
	pos := domain.Position{Direction: domain.DirectionLong}
	ts := time.Now()
	densities := []domain.Density{
		{Side: domain.SideAsk, PriceLevel: md("105"), DisappearedAt: &ts},
	}
	if m.checkCounterDensity(pos, md("100"), densities) {
		t.Error("expected a disappeared density to not count as a counter density")
	}
}

func TestCheckReturnToRange(t *testing.T) {
	m := newTestMonitor(nil)
	longPos := domain.Position{Direction: domain.DirectionLong, DensityPrice: md("100")}
	if m.checkReturnToRange(longPos, md("101")) {
		t.Error("expected no return-to-range while price holds above the break level")
	}
	if !m.checkReturnToRange(longPos, md("99")) {
		t.Error("expected return-to-range once price falls back below the break level")
	}
}

func TestMatchingDensity_LongUsesBidSide(t *testing.T) {
	pos := domain.Position{Direction: domain.DirectionLong, DensityPrice: md("99")}
	densities := []domain.Density{
		{Side: domain.SideAsk, PriceLevel: md("99")},
		{Side: domain.SideBid, PriceLevel: md("99")},
	}
	d, ok := matchingDensity(densities, pos)
	if !ok {
		t.Fatal("expected a matching density on the bid side")
	}
	if d.Side != domain.SideBid {
		t.Errorf("expected bid side match, got %s", d.Side)
	}
}

func TestCheckBounceDensityErosion_TreatsDisappearanceAsFullErosion(t *testing.T) {
	m := newTestMonitor(nil)
	pos := domain.Position{Direction: domain.DirectionLong, DensityPrice: md("99"), SignalKind: domain.SignalBounce}
	params := domain.CoinParameters{BounceDensityErosionExitPct: md("50")}
	if !m.checkBounceDensityErosion(pos, nil, params) {
		t.Error("expected a missing density to be treated as fully eroded")
	}
}

func TestCheckVelocitySlowdown_RequiresEnoughSamples(t *testing.T) {
	hist := history.New()
	m := newTestMonitor(hist)
	pos := domain.Position{Symbol: "BTCUSDT"}
	tp := config.TakeProfitConfig{VelocityShortWindow: time.Second, VelocityLongWindow: time.Minute, VelocitySlowdownThreshold: 0.5}
	if m.checkVelocitySlowdown(pos, tp) {
		t.Error("expected no slowdown signal with insufficient history")
	}
}

func TestCheckAggressiveCounterOrders_RequiresEnoughSamples(t *testing.T) {
	hist := history.New()
	m := newTestMonitor(hist)
	pos := domain.Position{Symbol: "BTCUSDT", Direction: domain.DirectionLong}
	tp := config.TakeProfitConfig{VolumeHistoryWindow: time.Minute, ImbalanceChangeThreshold: 2}
	if m.checkAggressiveCounterOrders(pos, tp) {
		t.Error("expected no reversal signal with insufficient volume history")
	}
}

func TestCheckAggressiveCounterOrders_FiresOnSharpImbalanceShift(t *testing.T) {
	hist := history.New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		hist.RecordVolume("BTCUSDT", now.Add(time.Duration(i)*time.Second), md("10"), md("10"))
	}
	hist.RecordVolume("BTCUSDT", now.Add(6*time.Second), md("10"), md("1")) // imbalance spikes to 10
	m := newTestMonitor(hist)
	pos := domain.Position{Symbol: "BTCUSDT", Direction: domain.DirectionShort}
	tp := config.TakeProfitConfig{VolumeHistoryWindow: time.Minute, ImbalanceChangeThreshold: 2}
	if !m.checkAggressiveCounterOrders(pos, tp) {
		t.Error("expected a sharp bid-heavy imbalance shift against the position to fire for a short")
	}
}
