// Package trend classifies a symbol's short-term directional bias from
// two independent signals that must agree (spec.md §4.4).
package trend

import (
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// Analyzer combines a 24h price-change classification with a live
// order book pressure classification into a single trend, defaulting
// to NEUTRAL whenever the two disagree or either input is missing.
type Analyzer struct {
	changeThreshold   decimal.Decimal // theta: |24h % change| >= this to call UP/DOWN
	pressureRatio     decimal.Decimal // bid/ask >= this to call UP
	pressureRatioInv  decimal.Decimal // bid/ask <= this to call DOWN
}

// New constructs an Analyzer. pressureRatio should be > 1 (e.g. 1.2);
// its reciprocal is used as the DOWN-side threshold automatically.
func New(changeThresholdPercent, pressureRatio float64) *Analyzer {
	ratio := decimal.NewFromFloat(pressureRatio)
	return &Analyzer{
		changeThreshold:  decimal.NewFromFloat(changeThresholdPercent),
		pressureRatio:    ratio,
		pressureRatioInv: decimal.NewFromInt(1).Div(ratio),
	}
}

// Analyze classifies symbol's trend from its 24h price-change percent
// and the current order book.
func (a *Analyzer) Analyze(symbol string, priceChange24hPercent float64, book domain.OrderBook, now time.Time) domain.Trend {
	priceTrend := a.classifyPriceChange(priceChange24hPercent)
	bookTrend := a.classifyBookPressure(book)

	direction := domain.DirectionNeutral
	if priceTrend == domain.DirectionUp && bookTrend == domain.DirectionUp {
		direction = domain.DirectionUp
	} else if priceTrend == domain.DirectionDown && bookTrend == domain.DirectionDown {
		direction = domain.DirectionDown
	}

	return domain.Trend{Symbol: symbol, Direction: direction, ComputedAt: now}
}

func (a *Analyzer) classifyPriceChange(percent float64) domain.Direction {
	change := decimal.NewFromFloat(percent)
	if change.GreaterThanOrEqual(a.changeThreshold) {
		return domain.DirectionUp
	}
	if change.LessThanOrEqual(a.changeThreshold.Neg()) {
		return domain.DirectionDown
	}
	return domain.DirectionNeutral
}

func (a *Analyzer) classifyBookPressure(book domain.OrderBook) domain.Direction {
	ratio, ok := book.Imbalance()
	if !ok {
		return domain.DirectionNeutral
	}
	if ratio.GreaterThanOrEqual(a.pressureRatio) {
		return domain.DirectionUp
	}
	if ratio.LessThanOrEqual(a.pressureRatioInv) {
		return domain.DirectionDown
	}
	return domain.DirectionNeutral
}
