// Package signal turns tracked densities and the current trend into
// candidate trades, then validates each candidate against account and
// market state before execution (spec.md §4.5, §4.6).
package signal

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

const hundred = 100

// Generator produces breakout and bounce signals from a symbol's
// current trend, order book, tracked densities and coin parameters.
type Generator struct{}

// NewGenerator constructs a stateless signal generator.
func NewGenerator() *Generator { return &Generator{} }

// Generate returns every signal the current state supports. A
// NEUTRAL trend yields no signals at all (spec.md §4.5: both strategies
// require a directional trend).
func (g *Generator) Generate(book domain.OrderBook, trend domain.Trend, densities []domain.Density, params domain.CoinParameters, now time.Time) []domain.Signal {
	if !params.Enabled || trend.Direction == domain.DirectionNeutral {
		return nil
	}

	mid, ok := book.Mid()
	if !ok {
		return nil
	}

	var out []domain.Signal
	strategy := params.PreferredStrategy
	if strategy == "" {
		strategy = "both"
	}

	if strategy == "breakout" || strategy == "both" {
		if sig, ok := g.breakoutSignal(book.Symbol, trend, mid, densities, params, now); ok {
			out = append(out, sig)
		}
	}
	if strategy == "bounce" || strategy == "both" {
		if sig, ok := g.bounceSignal(book.Symbol, trend, mid, densities, params, now); ok {
			out = append(out, sig)
		}
	}
	return out
}

// breakoutSignal finds the strongest broken density on the side a
// breakout in the trend's direction must have come from and builds a
// signal entering at the current mid price (spec.md §4.5).
func (g *Generator) breakoutSignal(symbol string, trend domain.Trend, mid decimal.Decimal, densities []domain.Density, params domain.CoinParameters, now time.Time) (domain.Signal, bool) {
	var side domain.Side
	var direction domain.Direction
	switch trend.Direction {
	case domain.DirectionUp:
		side, direction = domain.SideAsk, domain.DirectionLong
	case domain.DirectionDown:
		side, direction = domain.SideBid, domain.DirectionShort
	default:
		return domain.Signal{}, false
	}

	strongest, ok := strongestBroken(densities, side, params.BreakoutErosionPercent)
	if !ok {
		return domain.Signal{}, false
	}

	// Erosion alone only says the density is weak; the break itself
	// requires mid to have actually crossed through it in the trend's
	// direction (spec.md §4.5).
	switch direction {
	case domain.DirectionLong:
		if !mid.GreaterThan(strongest.PriceLevel) {
			return domain.Signal{}, false
		}
	case domain.DirectionShort:
		if !mid.LessThan(strongest.PriceLevel) {
			return domain.Signal{}, false
		}
	}

	var stopLoss decimal.Decimal
	factor := params.BreakoutMinStopLossPercent.Div(decimal.NewFromInt(hundred))
	if direction == domain.DirectionLong {
		stopLoss = strongest.PriceLevel.Mul(decimal.NewFromInt(1).Sub(factor))
	} else {
		stopLoss = strongest.PriceLevel.Mul(decimal.NewFromInt(1).Add(factor))
	}

	priority := 1
	if strongest.IsCluster {
		priority = 2
	}

	return domain.Signal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Kind:       domain.SignalBreakout,
		Direction:  direction,
		EntryPrice: mid,
		StopLoss:   stopLoss,
		DensityKey: strongest.Key(params.TickSize),
		DensityPx:  strongest.PriceLevel,
		Priority:   priority,
		CreatedAt:  now,
	}, true
}

// bounceSignal finds the first density on the supporting/resisting side
// whose price the market has returned to, that has not eroded past the
// "still stable" threshold, and whose book activity is quiet rather than
// under active heavy trading, then builds a signal entering at the
// density's own price (spec.md §4.5).
func (g *Generator) bounceSignal(symbol string, trend domain.Trend, mid decimal.Decimal, densities []domain.Density, params domain.CoinParameters, now time.Time) (domain.Signal, bool) {
	var side domain.Side
	var direction domain.Direction
	switch trend.Direction {
	case domain.DirectionUp:
		side, direction = domain.SideBid, domain.DirectionLong
	case domain.DirectionDown:
		side, direction = domain.SideAsk, domain.DirectionShort
	default:
		return domain.Signal{}, false
	}

	candidates := sideDensities(densities, side)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PriceLevel.Sub(mid).Abs().LessThan(candidates[j].PriceLevel.Sub(mid).Abs())
	})

	for _, d := range candidates {
		if !isPriceNear(mid, d.PriceLevel, params.TouchTolerancePercent) {
			continue
		}
		if d.ErosionPercent().GreaterThanOrEqual(params.BounceDensityStablePercent) {
			continue
		}
		// spec.md §4.5's third Bounce gate: the level must be quiet, not
		// under active heavy trading. ActivityPercent proxies "measured book
		// activity" as the level's volume churn since the prior scan.
		if d.ActivityPercent().GreaterThanOrEqual(params.BounceQuietActivityPercent) {
			continue
		}

		var stopLoss decimal.Decimal
		factor := params.BounceStopLossBehindPercent.Div(decimal.NewFromInt(hundred))
		if direction == domain.DirectionLong {
			stopLoss = d.PriceLevel.Mul(decimal.NewFromInt(1).Sub(factor))
		} else {
			stopLoss = d.PriceLevel.Mul(decimal.NewFromInt(1).Add(factor))
		}

		return domain.Signal{
			ID:         uuid.NewString(),
			Symbol:     symbol,
			Kind:       domain.SignalBounce,
			Direction:  direction,
			EntryPrice: d.PriceLevel,
			StopLoss:   stopLoss,
			DensityKey: d.Key(params.TickSize),
			DensityPx:  d.PriceLevel,
			Priority:   1,
			CreatedAt:  now,
		}, true
	}
	return domain.Signal{}, false
}

func sideDensities(densities []domain.Density, side domain.Side) []domain.Density {
	out := make([]domain.Density, 0, len(densities))
	for _, d := range densities {
		if d.Side == side && d.Alive() {
			out = append(out, d)
		}
	}
	return out
}

// strongestBroken returns the side's alive density with the highest
// erosion percent, provided it clears erosionFloor (the "broken"
// threshold); spec.md §4.2's break/erosion concept.
func strongestBroken(densities []domain.Density, side domain.Side, erosionFloor decimal.Decimal) (domain.Density, bool) {
	var best domain.Density
	found := false
	for _, d := range densities {
		if d.Side != side || !d.Alive() {
			continue
		}
		if d.ErosionPercent().LessThan(erosionFloor) {
			continue
		}
		if !found || d.ErosionPercent().GreaterThan(best.ErosionPercent()) {
			best = d
			found = true
		}
	}
	return best, found
}

// isPriceNear reports whether price sits within tolerancePercent of
// level.
func isPriceNear(price, level, tolerancePercent decimal.Decimal) bool {
	if level.IsZero() {
		return false
	}
	diff := price.Sub(level).Div(level).Abs().Mul(decimal.NewFromInt(hundred))
	return diff.LessThanOrEqual(tolerancePercent)
}
