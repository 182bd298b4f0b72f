package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCrossedBook indicates the best bid is not strictly below the best ask,
// which is an integrity violation the feed must never hand downstream.
var ErrCrossedBook = errors.New("domain: crossed or locked book")

// OrderBook is an immutable snapshot of one symbol's top-N levels on each
// side. Bids are ordered descending by price, asks ascending. Market Feed
// is the only writer; every other component receives a copy.
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
}

// Validate enforces the invariants spec.md §3 and §8 require of every book:
// best_bid < best_ask, no duplicate prices on a side, length <= depth.
func (b OrderBook) Validate(maxDepth int) error {
	if len(b.Bids) > maxDepth || len(b.Asks) > maxDepth {
		return errors.New("domain: book exceeds configured depth")
	}
	if err := validateSideOrdering(b.Bids, true); err != nil {
		return err
	}
	if err := validateSideOrdering(b.Asks, false); err != nil {
		return err
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 {
		if !b.Bids[0].Price.LessThan(b.Asks[0].Price) {
			return ErrCrossedBook
		}
	}
	return nil
}

func validateSideOrdering(levels []PriceLevel, descending bool) error {
	seen := make(map[string]struct{}, len(levels))
	for i, lvl := range levels {
		key := lvl.Price.String()
		if _, dup := seen[key]; dup {
			return errors.New("domain: duplicate price on one side of the book")
		}
		seen[key] = struct{}{}
		if i == 0 {
			continue
		}
		prev := levels[i-1].Price
		if descending && !prev.GreaterThan(lvl.Price) {
			return errors.New("domain: bids not strictly descending")
		}
		if !descending && !prev.LessThan(lvl.Price) {
			return errors.New("domain: asks not strictly ascending")
		}
	}
	return nil
}

// BestBid returns the highest bid level, or the zero value and false if the
// side is empty.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level, or the zero value and false if the
// side is empty.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns (best_bid + best_ask) / 2 when both sides are present.
func (b OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// TotalVolume sums volume over every level of the given side.
func (b OrderBook) TotalVolume(side Side) decimal.Decimal {
	levels := b.Bids
	if side == SideAsk {
		levels = b.Asks
	}
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Volume)
	}
	return total
}

// Imbalance returns total bid volume / total ask volume. Returns zero and
// false if the ask volume is zero (caller must treat that as "no signal",
// never divide-by-zero).
func (b OrderBook) Imbalance() (decimal.Decimal, bool) {
	askVol := b.TotalVolume(SideAsk)
	if askVol.IsZero() {
		return decimal.Zero, false
	}
	return b.TotalVolume(SideBid).Div(askVol), true
}

// Levels returns the levels for a side.
func (b OrderBook) Levels(side Side) []PriceLevel {
	if side == SideBid {
		return b.Bids
	}
	return b.Asks
}

// Clone returns a deep copy safe to hand to a reader without sharing the
// Market Feed's backing slices.
func (b OrderBook) Clone() OrderBook {
	out := OrderBook{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Bids:      make([]PriceLevel, len(b.Bids)),
		Asks:      make([]PriceLevel, len(b.Asks)),
	}
	copy(out.Bids, b.Bids)
	copy(out.Asks, b.Asks)
	return out
}
