package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// Balance reports the exchange's unified USDT wallet balance (spec.md §6
// get_wallet_balance).
type Balance struct {
	Coin      string
	Available decimal.Decimal
	Wallet    decimal.Decimal
}

// PositionSnapshot is one row of the exchange's live position list
// (spec.md §6 get_positions), used at startup to reconcile against
// trades rows in OPEN status.
type PositionSnapshot struct {
	Symbol     string
	Direction  domain.Direction
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   decimal.Decimal
}

// OrderRequest describes a market order, optionally carrying an atomic
// stop-loss (spec.md §4.7: the stop must be set before the entry order
// is considered filled-and-safe).
type OrderRequest struct {
	Symbol     string
	Direction  domain.Direction
	Size       decimal.Decimal
	ReduceOnly bool
	StopLoss   decimal.Decimal // zero value means "no stop attached"
}

// OrderResult carries back what the exchange actually filled.
type OrderResult struct {
	OrderID    string
	AvgPrice   decimal.Decimal
	FilledSize decimal.Decimal
	FilledAt   time.Time
}
