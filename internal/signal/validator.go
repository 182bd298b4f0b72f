package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// ValidationInput carries every piece of account/market state the
// validator's checks need, gathered by the caller (the execution
// loop) so this package never depends on internal/store directly.
type ValidationInput struct {
	Signal domain.Signal
	Params domain.CoinParameters

	SymbolActive bool

	OpenPositionsCount     int
	MaxConcurrentPositions int
	HasOpenPositionSymbol  bool

	AccountBalance decimal.Decimal
	Leverage       decimal.Decimal

	CurrentPrice    decimal.Decimal // zero if unavailable
	HasCurrentPrice bool

	CurrentDensities []domain.Density

	CurrentExposureUSDT   decimal.Decimal // sum of open positions' notional
	MaxExposurePercent    decimal.Decimal // fraction of balance, e.g. 0.5
	MaxPerPositionPercent decimal.Decimal // fraction of balance, single-position cap
	PositionSizeUSDT      decimal.Decimal

	Now time.Time
}

// Validator runs the fixed 10-check gate plus the two aggregate/per-position
// risk checks every candidate signal must clear before execution (spec.md
// §4.6). Checks fail closed: any one failure rejects the signal outright.
type Validator struct{}

// NewValidator constructs a stateless validator.
func NewValidator() *Validator { return &Validator{} }

// Validate returns ("", true) if the signal clears every check, or a
// short machine-readable rejection reason otherwise.
func (v *Validator) Validate(in ValidationInput) (reason string, ok bool) {
	if !in.Params.Enabled {
		return "symbol_not_enabled", false
	}
	if !in.SymbolActive {
		return "symbol_not_active", false
	}
	if in.Signal.Age(in.Now) > domain.MaxSignalAge {
		return "signal_too_old", false
	}
	if in.Signal.Consumed {
		return "signal_already_processed", false
	}
	if in.OpenPositionsCount >= in.MaxConcurrentPositions {
		return "max_positions_reached", false
	}
	if in.HasOpenPositionSymbol {
		return "duplicate_position", false
	}

	stopDistancePercent := in.Signal.EntryPrice.Sub(in.Signal.StopLoss).
		Div(in.Signal.EntryPrice).Abs().Mul(decimal.NewFromInt(hundred))
	if stopDistancePercent.LessThan(decimal.NewFromFloat(0.05)) {
		return "stop_loss_too_close", false
	}

	if in.HasCurrentPrice && !in.CurrentPrice.IsZero() {
		priceDiffPercent := in.Signal.EntryPrice.Sub(in.CurrentPrice).
			Div(in.CurrentPrice).Abs().Mul(decimal.NewFromInt(hundred))
		if priceDiffPercent.GreaterThan(decimal.NewFromInt(1)) {
			return "entry_too_far_from_market", false
		}
	}

	if !densityStillExists(in.CurrentDensities, in.Signal.DensityKey, in.Params.TickSize) {
		return "density_no_longer_exists", false
	}

	requiredMargin := in.PositionSizeUSDT.Div(in.Leverage)
	if requiredMargin.GreaterThan(in.AccountBalance) {
		return "insufficient_margin", false
	}

	totalExposure := in.CurrentExposureUSDT.Add(in.PositionSizeUSDT)
	maxAllowed := in.AccountBalance.Mul(in.MaxExposurePercent)
	if totalExposure.GreaterThan(maxAllowed) {
		return "exposure_limit_exceeded", false
	}

	perPositionNotional := in.PositionSizeUSDT.Mul(in.Leverage)
	maxPerPosition := in.AccountBalance.Mul(in.MaxPerPositionPercent)
	if perPositionNotional.GreaterThan(maxPerPosition) {
		return "per_position_limit_exceeded", false
	}

	return "", true
}

func densityStillExists(current []domain.Density, key domain.DensityKey, tick decimal.Decimal) bool {
	for _, d := range current {
		if !d.Alive() {
			continue
		}
		if d.Key(tick) == key {
			return true
		}
	}
	return false
}
