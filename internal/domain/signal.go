package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind is the density-transition rule that produced a signal.
type SignalKind string

const (
	SignalBreakout SignalKind = "BREAKOUT"
	SignalBounce   SignalKind = "BOUNCE"
)

// MaxSignalAge is the maximum time a signal may wait for execution before
// the validator rejects it outright (spec.md §3, §4.6 check 3).
const MaxSignalAge = 60 * time.Second

// Signal is a candidate trade emitted by the Signal Generator. It is
// discarded after MaxSignalAge or once consumed by execution/rejection.
type Signal struct {
	ID          string
	Symbol      string
	Kind        SignalKind
	Direction   Direction
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	DensityKey  DensityKey
	DensityPx   decimal.Decimal
	Priority    int
	CreatedAt   time.Time
	Consumed    bool
}

// Age returns how long the signal has been outstanding as of now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Expired reports whether the signal has exceeded MaxSignalAge as of now.
func (s Signal) Expired(now time.Time) bool {
	return s.Age(now) > MaxSignalAge
}
