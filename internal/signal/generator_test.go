package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

func sd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseCoinParams(strategy string) domain.CoinParameters {
	return domain.CoinParameters{
		Symbol:                      "BTCUSDT",
		Enabled:                     true,
		TickSize:                    sd("0.1"),
		BreakoutErosionPercent:      sd("50"),
		BreakoutMinStopLossPercent:  sd("0.3"),
		BounceDensityStablePercent:  sd("50"),
		BounceStopLossBehindPercent: sd("0.3"),
		BounceQuietActivityPercent:  sd("20"),
		TouchTolerancePercent:       sd("1"),
		PreferredStrategy:           strategy,
	}
}

func bookAt(mid string) domain.OrderBook {
	return domain.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []domain.PriceLevel{{Price: sd(mid).Sub(sd("0.5")), Volume: sd("1")}},
		Asks:   []domain.PriceLevel{{Price: sd(mid).Add(sd("0.5")), Volume: sd("1")}},
	}
}

func TestGenerate_NoSignalsOnNeutralTrend(t *testing.T) {
	g := NewGenerator()
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionNeutral}
	sigs := g.Generate(bookAt("100"), trend, nil, baseCoinParams("both"), time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no signals on neutral trend, got %+v", sigs)
	}
}

func TestGenerate_NoSignalsWhenDisabled(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("both")
	params.Enabled = false
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	sigs := g.Generate(bookAt("100"), trend, nil, params, time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no signals when disabled, got %+v", sigs)
	}
}

func TestBreakoutSignal_UpTrendUsesAskSideBreak(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("breakout")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideAsk, PriceLevel: sd("101"), InitialVolume: sd("100"), CurrentVolume: sd("40")}, // 60% erosion
	}
	// mid has crossed above the broken resistance at 101.
	sigs := g.Generate(bookAt("102"), trend, densities, params, time.Now())
	if len(sigs) != 1 {
		t.Fatalf("expected one breakout signal, got %+v", sigs)
	}
	sig := sigs[0]
	if sig.Direction != domain.DirectionLong {
		t.Errorf("expected LONG direction for up-trend breakout, got %s", sig.Direction)
	}
	if sig.Kind != domain.SignalBreakout {
		t.Errorf("expected BREAKOUT kind, got %s", sig.Kind)
	}
	// stop loss below the broken density price for a long
	if !sig.StopLoss.LessThan(sd("101")) {
		t.Errorf("expected stop loss below broken density price, got %s", sig.StopLoss)
	}
}

func TestBreakoutSignal_RequiresErosionAboveFloor(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("breakout")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideAsk, PriceLevel: sd("101"), InitialVolume: sd("100"), CurrentVolume: sd("90")}, // only 10% erosion
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no breakout signal below the erosion floor, got %+v", sigs)
	}
}

func TestBounceSignal_RequiresTouchAndStability(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("bounce")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("99.6"), InitialVolume: sd("100"), CurrentVolume: sd("95")}, // 5% erosion, stable
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 1 {
		t.Fatalf("expected one bounce signal, got %+v", sigs)
	}
	sig := sigs[0]
	if sig.Kind != domain.SignalBounce {
		t.Errorf("expected BOUNCE kind, got %s", sig.Kind)
	}
	if !sig.EntryPrice.Equal(sd("99.6")) {
		t.Errorf("expected entry at the density price, got %s", sig.EntryPrice)
	}
}

func TestBounceSignal_RejectsErodedDensity(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("bounce")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("99.6"), InitialVolume: sd("100"), CurrentVolume: sd("40")}, // 60% erosion, not stable
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no bounce signal for an eroded density, got %+v", sigs)
	}
}

func TestBounceSignal_RejectsDensityOutsideTouchTolerance(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("bounce")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("80"), InitialVolume: sd("100"), CurrentVolume: sd("95")},
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no bounce signal for a density far from mid, got %+v", sigs)
	}
}

func TestBounceSignal_RejectsActiveDensity(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("bounce")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		// stable (5% erosion) but churning 50% scan-to-scan, above the
		// 20% quiet threshold, so the level is under active trading.
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("99.6"), InitialVolume: sd("100"), CurrentVolume: sd("95"), PreviousVolume: sd("190")},
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 0 {
		t.Fatalf("expected no bounce signal for a density under active trading, got %+v", sigs)
	}
}

func TestBounceSignal_AllowsQuietDensity(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("bounce")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		// stable and churning only 5% scan-to-scan, well below the 20%
		// quiet threshold.
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("99.6"), InitialVolume: sd("100"), CurrentVolume: sd("95"), PreviousVolume: sd("100")},
	}
	sigs := g.Generate(bookAt("100"), trend, densities, params, time.Now())
	if len(sigs) != 1 {
		t.Fatalf("expected one bounce signal for a quiet density, got %+v", sigs)
	}
}

func TestGenerate_BothStrategiesCanCoexist(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("both")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideAsk, PriceLevel: sd("101"), InitialVolume: sd("100"), CurrentVolume: sd("40")},
		{Symbol: "BTCUSDT", Side: domain.SideBid, PriceLevel: sd("101.5"), InitialVolume: sd("100"), CurrentVolume: sd("95")},
	}
	// mid at 102 has crossed above the broken resistance at 101 and still
	// sits within touch tolerance of the 101.5 bounce density.
	sigs := g.Generate(bookAt("102"), trend, densities, params, time.Now())
	if len(sigs) != 2 {
		t.Fatalf("expected both a breakout and a bounce signal, got %+v", sigs)
	}
}

func TestGenerate_DefaultsToBothWhenPreferredStrategyEmpty(t *testing.T) {
	g := NewGenerator()
	params := baseCoinParams("")
	trend := domain.Trend{Symbol: "BTCUSDT", Direction: domain.DirectionUp}
	densities := []domain.Density{
		{Symbol: "BTCUSDT", Side: domain.SideAsk, PriceLevel: sd("101"), InitialVolume: sd("100"), CurrentVolume: sd("40")},
	}
	sigs := g.Generate(bookAt("102"), trend, densities, params, time.Now())
	if len(sigs) != 1 {
		t.Fatalf("expected the empty PreferredStrategy to default to both, got %+v", sigs)
	}
}
