package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DensityKey identifies a density in the tracker's lifecycle map. Identity
// is (symbol, side, tick-rounded representative price) so a cluster's
// identity does not flap as its volume-weighted centroid drifts within a
// tick (spec.md §9, "cluster identity stability").
type DensityKey struct {
	Symbol string
	Side   Side
	Price  string // decimal.String() of the tick-rounded representative price
}

// String renders the key for logging.
func (k DensityKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Symbol, k.Side, k.Price)
}

// NewDensityKey builds a key from a representative price already rounded to
// the symbol's tick size.
func NewDensityKey(symbol string, side Side, tickRoundedPrice decimal.Decimal) DensityKey {
	return DensityKey{Symbol: symbol, Side: side, Price: tickRoundedPrice.String()}
}

// Density is a tracked liquidity concentration: a single level or a tight
// cluster of levels that simultaneously satisfied the absolute, relative
// and percent-of-total criteria at least once.
type Density struct {
	Symbol         string
	Side           Side
	PriceLevel     decimal.Decimal
	InitialVolume  decimal.Decimal
	CurrentVolume  decimal.Decimal
	PreviousVolume decimal.Decimal // CurrentVolume as of the prior scan, for ActivityPercent
	AppearedAt     time.Time
	LastSeenAt     time.Time
	DisappearedAt  *time.Time
	IsCluster      bool
	MissedAbsolute int // consecutive scans absent before disappearance is declared
}

// Key returns the identity key for this density, given the tick size used
// to round PriceLevel.
func (d Density) Key(tick decimal.Decimal) DensityKey {
	return NewDensityKey(d.Symbol, d.Side, RoundToTick(d.PriceLevel, tick))
}

// ErosionPercent is max(0, (initial-current)/initial * 100). initial_volume
// is set once at appearance and never mutated thereafter (spec.md §8).
func (d Density) ErosionPercent() decimal.Decimal {
	if d.InitialVolume.IsZero() {
		return decimal.Zero
	}
	eroded := d.InitialVolume.Sub(d.CurrentVolume).Div(d.InitialVolume).Mul(decimal.NewFromInt(100))
	if eroded.IsNegative() {
		return decimal.Zero
	}
	return eroded
}

// ActivityPercent is the magnitude of volume change since the previous
// scan, as a percent of the previous scan's volume. It proxies "measured
// book activity at that level" for the Bounce quiet-threshold gate
// (spec.md §4.5): a level whose resting volume is swinging heavily between
// scans is being actively traded through, not quietly resting.
func (d Density) ActivityPercent() decimal.Decimal {
	if d.PreviousVolume.IsZero() {
		return decimal.Zero
	}
	delta := d.CurrentVolume.Sub(d.PreviousVolume).Abs()
	return delta.Div(d.PreviousVolume).Mul(decimal.NewFromInt(100))
}

// Alive reports whether the density has not yet been marked disappeared.
func (d Density) Alive() bool {
	return d.DisappearedAt == nil
}

// LifecycleEventKind enumerates the density-tracker events the signal
// generator consumes (spec.md §4.3).
type LifecycleEventKind string

const (
	DensityAppeared    LifecycleEventKind = "appeared"
	DensityUpdated     LifecycleEventKind = "updated"
	DensityDisappeared LifecycleEventKind = "disappeared"
)

// LifecycleEvent reports a single density transition discovered on one scan
// of one symbol's book. Events for book update U are emitted, in FIFO order
// per symbol, strictly before any event from U+1 (spec.md §5).
type LifecycleEvent struct {
	Kind    LifecycleEventKind
	Density Density
	Book    OrderBook
}
