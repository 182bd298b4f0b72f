package domain

import (
	"github.com/shopspring/decimal"
)

// Side identifies which side of the book a level or density belongs to.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Direction is a trade or trend direction.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionUp      Direction = "UP"
	DirectionDown    Direction = "DOWN"
	DirectionNeutral Direction = "NEUTRAL"
)

// Sign returns +1 for LONG/UP, -1 for SHORT/DOWN, 0 for NEUTRAL.
func (d Direction) Sign() int {
	switch d {
	case DirectionLong, DirectionUp:
		return 1
	case DirectionShort, DirectionDown:
		return -1
	default:
		return 0
	}
}

// PriceLevel is a single (price, volume) entry in an order book side.
// Equality between levels is exact on price; volumes are fixed-point
// decimals so no binary float ever touches a submitted order price.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Notional returns price * volume, the quote-currency value of the level.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Volume)
}

// RoundToTick rounds price to the nearest multiple of tick, half rounding up.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.DivRound(tick, 0)
	return units.Mul(tick)
}

// RoundToLot floors size to the nearest multiple of lot, never rounding up
// past what was requested — this is the floor() behavior execution sizing
// requires so an order is never oversized relative to intended notional.
func RoundToLot(size, lot decimal.Decimal) decimal.Decimal {
	if lot.IsZero() {
		return size
	}
	units := size.Div(lot).Floor()
	return units.Mul(lot)
}
