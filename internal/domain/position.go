package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// ExitReason is the closed set of reasons a position was closed.
type ExitReason string

const (
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitDensityErosion   ExitReason = "DENSITY_EROSION"
	ExitEmergency        ExitReason = "EMERGENCY"
	ExitMomentumSlowdown ExitReason = "MOMENTUM_SLOWDOWN"
	ExitCounterDensity   ExitReason = "COUNTER_DENSITY"
	ExitAggressiveRev    ExitReason = "AGGRESSIVE_REVERSAL"
	ExitReturnToRange    ExitReason = "RETURN_TO_RANGE"
)

// Position is the in-process record of one open or recently-closed trade.
// While Status == PositionOpen, the invariant "a live stop exists on the
// exchange at StopLoss" must hold at every instant (spec.md §8); that
// invariant is maintained by internal/execution and internal/monitor, never
// by mutating a Position directly outside internal/position.
type Position struct {
	ID             string
	Symbol         string
	Direction      Direction
	EntryPrice     decimal.Decimal
	Size           decimal.Decimal
	Leverage       decimal.Decimal
	SignalKind     SignalKind
	DensityPrice   decimal.Decimal
	StopLoss       decimal.Decimal
	BreakevenMoved bool
	Status         PositionStatus
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ExitReason     ExitReason
}

// Notional returns the position's current notional value at mark.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark)
}

// UnrealizedPnL returns (mark-entry)*size*sign(direction).
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	pnl := diff.Mul(p.Size)
	if p.Direction == DirectionShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// UnrealizedPnLPercent returns PnL as a percentage of entry notional.
func (p Position) UnrealizedPnLPercent(mark decimal.Decimal) decimal.Decimal {
	entryNotional := p.EntryPrice.Mul(p.Size)
	if entryNotional.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL(mark).Div(entryNotional).Mul(decimal.NewFromInt(100))
}

// AtOrBeyondBreakeven reports whether stop_loss equals entry within one
// tick, the invariant breakeven promotion must establish and never regress
// from (spec.md §8).
func (p Position) AtOrBeyondBreakeven(tick decimal.Decimal) bool {
	if !p.BreakevenMoved {
		return false
	}
	diff := p.StopLoss.Sub(p.EntryPrice).Abs()
	return diff.LessThanOrEqual(tick)
}

// CoinParameters holds the per-symbol thresholds that drive density
// detection, signal construction and validation (spec.md §3).
type CoinParameters struct {
	Symbol                         string
	Enabled                        bool
	TickSize                       decimal.Decimal
	LotSize                        decimal.Decimal
	DensityThresholdAbs            decimal.Decimal // quote units
	RelativeMultiplier             decimal.Decimal
	DensityThresholdPercent        decimal.Decimal // percent-of-total
	ClusterRangePercent            decimal.Decimal
	BreakoutErosionPercent         decimal.Decimal
	BreakoutMinStopLossPercent     decimal.Decimal
	BounceDensityStablePercent     decimal.Decimal
	BounceStopLossBehindPercent    decimal.Decimal
	BounceDensityErosionExitPct    decimal.Decimal
	BounceQuietActivityPercent     decimal.Decimal // max per-scan volume churn for the Bounce quiet-book gate
	BreakevenProfitPercent         decimal.Decimal
	TouchTolerancePercent          decimal.Decimal
	PreferredStrategy              string
}
