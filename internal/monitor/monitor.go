// Package monitor watches every open position for breakeven promotion
// and exit conditions on a tight polling loop (spec.md §4.9).
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/config"
	"densityengine/internal/density"
	"densityengine/internal/domain"
	"densityengine/internal/execution"
	"densityengine/internal/history"
	"densityengine/internal/log"
	"densityengine/internal/position"
)

// Monitor evaluates breakeven and exit conditions for every open
// position each cycle, in the fixed order spec.md §4.9 requires:
// breakeven is checked (and promoted, once, sticky) before exit
// conditions, and exit conditions are always evaluated afterward
// regardless of whether breakeven fired this cycle.
type Monitor struct {
	registry *position.Registry
	density  *density.Tracker
	history  *history.Store
	executor *execution.Executor
	logger   *zap.Logger
}

// New constructs a Monitor.
func New(reg *position.Registry, dens *density.Tracker, hist *history.Store, exec *execution.Executor, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{registry: reg, density: dens, history: hist, executor: exec, logger: logger}
}

// CheckPosition runs one evaluation cycle for a single open position.
func (m *Monitor) CheckPosition(ctx context.Context, pos domain.Position, book domain.OrderBook, params domain.CoinParameters, tp config.TakeProfitConfig) {
	mid, ok := book.Mid()
	if !ok {
		return
	}
	densities := m.density.Current(pos.Symbol)

	if !pos.BreakevenMoved {
		if m.checkBreakeven(pos, mid, densities, params) {
			m.promoteBreakeven(ctx, pos)
		}
	}

	if reason, exit := m.checkExitConditions(pos, mid, densities, params, tp); exit {
		m.closePosition(ctx, pos, reason)
	}
}

func (m *Monitor) checkBreakeven(pos domain.Position, mid decimal.Decimal, densities []domain.Density, params domain.CoinParameters) bool {
	switch pos.SignalKind {
	case domain.SignalBreakout:
		return pos.UnrealizedPnLPercent(mid).GreaterThanOrEqual(params.BreakevenProfitPercent)
	case domain.SignalBounce:
		d, ok := matchingDensity(densities, pos)
		if !ok {
			return false
		}
		return d.ErosionPercent().GreaterThanOrEqual(params.BounceDensityErosionExitPct)
	default:
		return false
	}
}

func (m *Monitor) promoteBreakeven(ctx context.Context, pos domain.Position) {
	if err := m.executor.SetStopLoss(ctx, pos.Symbol, pos.EntryPrice); err != nil {
		m.logger.Error("breakeven stop update failed",
			log.EventField("breakeven_stop_failed"),
			log.SeverityField(log.SeverityError),
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	if err := m.registry.SetStop(ctx, pos.Symbol, pos.EntryPrice, true); err != nil {
		m.logger.Error("breakeven persist failed",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	m.logger.Info("position moved to breakeven", zap.String("symbol", pos.Symbol), zap.String("position_id", pos.ID))
}

// checkExitConditions runs the five exit checks in strict priority
// order, returning the first that fires (spec.md §4.9).
func (m *Monitor) checkExitConditions(pos domain.Position, mid decimal.Decimal, densities []domain.Density, params domain.CoinParameters, tp config.TakeProfitConfig) (domain.ExitReason, bool) {
	if m.checkVelocitySlowdown(pos, tp) {
		return domain.ExitMomentumSlowdown, true
	}
	if m.checkCounterDensity(pos, mid, densities) {
		return domain.ExitCounterDensity, true
	}
	if m.checkAggressiveCounterOrders(pos, tp) {
		return domain.ExitAggressiveRev, true
	}
	if pos.SignalKind == domain.SignalBreakout && m.checkReturnToRange(pos, mid) {
		return domain.ExitReturnToRange, true
	}
	if pos.SignalKind == domain.SignalBounce && m.checkBounceDensityErosion(pos, densities, params) {
		return domain.ExitDensityErosion, true
	}
	return "", false
}

// checkVelocitySlowdown fires when the short-window price velocity has
// fallen well below the long-window velocity, the sign that the move
// which justified this position has run out of momentum.
func (m *Monitor) checkVelocitySlowdown(pos domain.Position, tp config.TakeProfitConfig) bool {
	points := m.history.PriceHistory(pos.Symbol, tp.VelocityLongWindow)
	if len(points) < 10 {
		return false
	}
	short, okShort := m.history.Velocity(pos.Symbol, tp.VelocityShortWindow)
	long, okLong := m.history.Velocity(pos.Symbol, tp.VelocityLongWindow)
	if !okShort || !okLong || long.IsZero() {
		return false
	}
	threshold := decimal.NewFromFloat(tp.VelocitySlowdownThreshold)
	return short.LessThan(long.Mul(threshold))
}

// checkCounterDensity fires when liquidity has reappeared on the side
// that would oppose this position continuing to move in its favor.
func (m *Monitor) checkCounterDensity(pos domain.Position, mid decimal.Decimal, densities []domain.Density) bool {
	for _, d := range densities {
		if !d.Alive() {
			continue
		}
		switch pos.Direction {
		case domain.DirectionLong:
			if d.Side == domain.SideAsk && d.PriceLevel.GreaterThan(mid) {
				return true
			}
		case domain.DirectionShort:
			if d.Side == domain.SideBid && d.PriceLevel.LessThan(mid) {
				return true
			}
		}
	}
	return false
}

// checkAggressiveCounterOrders fires when the live bid/ask imbalance
// has moved sharply against this position relative to its recent
// historical average.
func (m *Monitor) checkAggressiveCounterOrders(pos domain.Position, tp config.TakeProfitConfig) bool {
	points := m.history.VolumeHistory(pos.Symbol, tp.VolumeHistoryWindow)
	if len(points) < 5 {
		return false
	}

	sum := decimal.Zero
	count := 0
	for _, p := range points {
		if p.AskVol.IsZero() {
			continue
		}
		sum = sum.Add(p.BidVol.Div(p.AskVol))
		count++
	}
	if count == 0 {
		return false
	}
	avgImbalance := sum.Div(decimal.NewFromInt(int64(count)))

	latest := points[len(points)-1]
	if latest.AskVol.IsZero() {
		return false
	}
	currentImbalance := latest.BidVol.Div(latest.AskVol)
	threshold := decimal.NewFromFloat(tp.ImbalanceChangeThreshold)

	switch pos.Direction {
	case domain.DirectionLong:
		if threshold.IsZero() {
			return false
		}
		return currentImbalance.LessThan(avgImbalance.Div(threshold))
	case domain.DirectionShort:
		return currentImbalance.GreaterThan(avgImbalance.Mul(threshold))
	default:
		return false
	}
}

// checkReturnToRange fires for breakout positions once price has
// crossed back through the density whose break originally justified
// entering.
func (m *Monitor) checkReturnToRange(pos domain.Position, mid decimal.Decimal) bool {
	switch pos.Direction {
	case domain.DirectionLong:
		return mid.LessThan(pos.DensityPrice)
	case domain.DirectionShort:
		return mid.GreaterThan(pos.DensityPrice)
	default:
		return false
	}
}

// checkBounceDensityErosion fires for bounce positions once the
// supporting/resisting density has eroded past the exit threshold, or
// has disappeared outright — treated identically to full erosion.
func (m *Monitor) checkBounceDensityErosion(pos domain.Position, densities []domain.Density, params domain.CoinParameters) bool {
	d, ok := matchingDensity(densities, pos)
	if !ok {
		return true
	}
	return d.ErosionPercent().GreaterThanOrEqual(params.BounceDensityErosionExitPct)
}

// matchingDensity finds the density this bounce position's thesis
// depends on: same price level, and the side that matches the
// position's direction (LONG positions rest on BID support, SHORT
// positions rest on ASK resistance).
func matchingDensity(densities []domain.Density, pos domain.Position) (domain.Density, bool) {
	wantSide := domain.SideBid
	if pos.Direction == domain.DirectionShort {
		wantSide = domain.SideAsk
	}
	for _, d := range densities {
		if !d.Alive() || d.Side != wantSide {
			continue
		}
		if d.PriceLevel.Equal(pos.DensityPrice) {
			return d, true
		}
	}
	return domain.Density{}, false
}

func (m *Monitor) closePosition(ctx context.Context, pos domain.Position, reason domain.ExitReason) {
	result, err := m.executor.ForceClose(ctx, pos)
	if err != nil {
		return
	}
	exitPrice := result.AvgPrice
	if exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}
	if err := m.registry.Close(ctx, pos.Symbol, exitPrice, reason); err != nil {
		m.logger.Error("failed to persist closed position",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	m.logger.Info("position closed",
		zap.String("symbol", pos.Symbol), zap.String("position_id", pos.ID),
		zap.String("reason", string(reason)), zap.Time("at", time.Now().UTC()))
}
