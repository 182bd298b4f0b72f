package domain

import "time"

// Trend is a per-symbol directional classification derived from 24h change
// and live book imbalance (spec.md §3, §4.4).
type Trend struct {
	Symbol      string
	Direction   Direction
	ComputedAt  time.Time
}

// NeutralTrend returns the safe default used whenever an input is missing.
func NeutralTrend(symbol string, at time.Time) Trend {
	return Trend{Symbol: symbol, Direction: DirectionNeutral, ComputedAt: at}
}
