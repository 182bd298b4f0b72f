// Package execution drives a signal from validated candidate to a
// live, stop-protected position on the exchange (spec.md §4.7).
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/domain"
	"densityengine/internal/exchange"
	"densityengine/internal/log"
	"densityengine/internal/store"
)

// State names the execution state machine's steps (spec.md §4.7).
type State string

const (
	StateIdle        State = "IDLE"
	StateSetIsolated State = "SET_ISOLATED"
	StateSetLeverage State = "SET_LEVERAGE"
	StatePlaceMarket State = "PLACE_MARKET"
	StateSetStop     State = "SET_STOP"
	StateConfirmed   State = "CONFIRMED"
	StateAborted     State = "ABORTED"
	StateForceClosed State = "FORCE_CLOSED"
)

// Executor turns a validated signal into a live position. Margin mode
// and leverage are set before the order is placed; the stop-loss is
// attached to the same order-creation call as the entry and then
// reconfirmed with an independent SET_STOP step once the fill is known,
// so a dropped or rejected attached-stop param is never silently
// registered as a protected position (spec.md §4.7, §8: "a position
// must never exist without a live stop").
type Executor struct {
	exchange *exchange.Client
	store    *store.Store
	logger   *zap.Logger
}

// New constructs an Executor.
func New(ex *exchange.Client, st *store.Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{exchange: ex, store: st, logger: logger}
}

// Params bundles the account-level sizing inputs the caller (the
// signal loop) supplies alongside the validated signal itself.
type Params struct {
	PositionSizeUSDT decimal.Decimal
	Leverage         decimal.Decimal
	Isolated         bool
	LotSize          decimal.Decimal
	TickSize         decimal.Decimal
}

// Execute runs the full IDLE -> SET_ISOLATED -> SET_LEVERAGE ->
// PLACE_MARKET -> SET_STOP -> CONFIRMED sequence for sig (spec.md
// §4.7). On any failure before the order fills, no position exists on
// the exchange and the caller is free to retry or drop the signal. The
// OPEN trade record is persisted immediately on fill, before SET_STOP
// runs, since a position already exists on the exchange at that point
// whether or not its attached stop param was honored. SET_STOP is then
// run as an independent step with its own confirmation: if it fails
// after the exchange client's own 5-attempt linear-backoff retry, the
// fill is force-closed immediately and the already-persisted record is
// closed with ExitReason=EMERGENCY, rather than ever registering a
// CONFIRMED position with no live stop (spec.md §8's always-a-live-stop
// invariant).
func (e *Executor) Execute(ctx context.Context, sig domain.Signal, params Params) (domain.Position, State, error) {
	state := StateIdle

	state = StateSetIsolated
	if err := e.exchange.SetMarginMode(ctx, sig.Symbol, params.Isolated); err != nil {
		e.logger.Warn("set margin mode failed, continuing",
			log.EventField("execution_set_margin_mode_failed"),
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	state = StateSetLeverage
	if err := e.exchange.SetLeverage(ctx, sig.Symbol, params.Leverage); err != nil {
		e.logger.Warn("set leverage failed, continuing",
			log.EventField("execution_set_leverage_failed"),
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	state = StatePlaceMarket
	quantity := domain.RoundToLot(params.PositionSizeUSDT.Div(sig.EntryPrice), params.LotSize)
	if quantity.IsZero() {
		return domain.Position{}, StateAborted, fmt.Errorf("execution: rounded quantity is zero for %s", sig.Symbol)
	}

	result, err := e.exchange.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Size:      quantity,
		StopLoss:  sig.StopLoss,
	})
	if err != nil {
		e.logger.Error("market order failed, no position opened",
			log.EventField("execution_place_order_failed"),
			log.SeverityField(log.SeverityError),
			zap.String("symbol", sig.Symbol), zap.Error(err))
		return domain.Position{}, StateAborted, err
	}

	entryPrice := result.AvgPrice
	if entryPrice.IsZero() {
		entryPrice = sig.EntryPrice
	}
	filledSize := result.FilledSize
	if filledSize.IsZero() {
		filledSize = quantity
	}

	// spec.md §4.7: "on fill, persist an OPEN trade record" — the record
	// is created here, immediately after the fill, not after SET_STOP
	// succeeds, so a SET_STOP failure below always has an existing record
	// to close with ExitReason=EMERGENCY rather than nothing at all.
	now := time.Now().UTC()
	pos := domain.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		EntryPrice:   entryPrice,
		Size:         filledSize,
		Leverage:     params.Leverage,
		SignalKind:   sig.Kind,
		DensityPrice: sig.DensityPx,
		StopLoss:     sig.StopLoss,
		Status:       domain.PositionOpen,
		OpenedAt:     now,
	}

	if err := e.store.InsertOpenTrade(ctx, store.TradeRecord{
		ID:            pos.ID,
		Symbol:        pos.Symbol,
		EntryTime:     pos.OpenedAt,
		EntryPrice:    pos.EntryPrice,
		PositionSize:  pos.Size,
		Leverage:      pos.Leverage,
		Direction:     pos.Direction,
		SignalType:    pos.SignalKind,
		StopLossPrice: pos.StopLoss,
		DensityPrice:  pos.DensityPrice,
	}); err != nil {
		e.logger.Error("failed to persist opened trade record, position is live but unrecorded",
			log.EventField("execution_persist_failed"),
			log.SeverityField(log.SeverityCritical),
			zap.String("symbol", sig.Symbol), zap.String("order_id", result.OrderID), zap.Error(err))
	}

	state = StateSetStop
	if err := e.exchange.SetTradingStop(ctx, sig.Symbol, sig.StopLoss); err != nil {
		e.logger.Error("set trading stop failed after fill, force-closing",
			log.EventField("execution_set_stop_failed"),
			log.SeverityField(log.SeverityCritical),
			zap.String("symbol", sig.Symbol), zap.Error(err))

		closeResult, closeErr := e.exchange.ClosePosition(ctx, sig.Symbol, sig.Direction, filledSize)
		if closeErr != nil {
			e.logger.Error("force close after failed stop placement also failed, manual intervention required",
				log.EventField("execution_force_close_after_set_stop_failed"),
				log.SeverityField(log.SeverityCritical),
				zap.String("symbol", sig.Symbol), zap.Error(closeErr))
			return pos, StateAborted, fmt.Errorf("execution: set trading stop failed and force close failed for %s: %w", sig.Symbol, closeErr)
		}

		exitPrice := closeResult.AvgPrice
		if exitPrice.IsZero() {
			exitPrice = entryPrice
		}
		pos.Status = domain.PositionClosed
		pos.ExitReason = domain.ExitEmergency
		closedAt := time.Now().UTC()
		pos.ClosedAt = &closedAt
		if closeTradeErr := e.store.CloseTrade(ctx, pos.ID, exitPrice, pos.UnrealizedPnL(exitPrice),
			pos.UnrealizedPnLPercent(exitPrice), domain.ExitEmergency, closedAt); closeTradeErr != nil {
			e.logger.Error("failed to persist emergency close after failed stop placement, trade record left OPEN",
				log.EventField("execution_emergency_close_persist_failed"),
				log.SeverityField(log.SeverityCritical),
				zap.String("symbol", sig.Symbol), zap.Error(closeTradeErr))
		}
		return pos, StateForceClosed, fmt.Errorf("execution: set trading stop failed for %s, position force-closed: %w", sig.Symbol, err)
	}

	state = StateConfirmed
	e.logger.Info("position opened",
		zap.String("symbol", sig.Symbol), zap.String("position_id", pos.ID),
		zap.String("direction", string(sig.Direction)), zap.String("entry_price", entryPrice.String()),
		zap.String("stop_loss", sig.StopLoss.String()))

	return pos, state, nil
}

// SetStopLoss updates the live stop-loss order on the exchange,
// without touching the trade store. internal/position.Registry is the
// caller of record: it persists the new stop once this call succeeds,
// keeping a single writer for position state just as Execute does for
// opens and ForceClose does for closes.
func (e *Executor) SetStopLoss(ctx context.Context, symbol string, stopLoss decimal.Decimal) error {
	return e.exchange.SetTradingStop(ctx, symbol, stopLoss)
}

// ForceClose flattens an already-open position with a reduce-only
// market order and reports the fill. It does not touch the trade
// store itself: the caller (internal/position.Registry, via
// monitor or the safety supervisor) is the single writer of close
// state, so every closed position is persisted exactly once regardless
// of which component triggered the close. Every failure is logged at
// CRITICAL so the logger's critical sink durably records it in
// system_events — the
// genuine implementation of the compensating close the original bot's
// safety monitor only ever stubbed out with a TODO. Callers needing
// the tight linear retry backoff spec.md §4.7 mandates for this path
// rely on the exchange client's own critical-operation retry policy,
// since ClosePosition is always dispatched as a critical call.
func (e *Executor) ForceClose(ctx context.Context, pos domain.Position) (exchange.OrderResult, error) {
	result, err := e.exchange.ClosePosition(ctx, pos.Symbol, pos.Direction, pos.Size)
	if err != nil {
		e.logger.Error("force close failed, manual intervention required",
			log.EventField("force_close_failed"),
			log.SeverityField(log.SeverityCritical),
			zap.String("symbol", pos.Symbol), zap.String("position_id", pos.ID), zap.Error(err))
		return exchange.OrderResult{}, err
	}
	return result, nil
}
