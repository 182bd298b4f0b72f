// Package position owns the in-process set of open positions and
// reconciles it against both the durable trade log and the exchange's
// own position list at startup (spec.md §4.8).
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/domain"
	"densityengine/internal/exchange"
	"densityengine/internal/log"
	"densityengine/internal/store"
)

// Registry is the single in-process source of truth for which
// positions are open. Stop updates and closes of registered positions
// are persisted through it; the OPEN trade record, and the close written
// when Execute cannot set the stop, are persisted by internal/execution.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]domain.Position
	store  *store.Store
	logger *zap.Logger
}

// New constructs an empty Registry.
func New(st *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byKey: make(map[string]domain.Position), store: st, logger: logger}
}

// Open adds a freshly-executed position to the registry. The caller
// (internal/execution) is responsible for having already persisted it.
func (r *Registry) Open(pos domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[pos.Symbol] = pos
}

// Get returns the open position for symbol, if any.
func (r *Registry) Get(symbol string) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.byKey[symbol]
	return pos, ok
}

// All returns every currently open position.
func (r *Registry) All() []domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Position, 0, len(r.byKey))
	for _, p := range r.byKey {
		out = append(out, p)
	}
	return out
}

// Count returns the number of currently open positions, the input the
// signal validator's max-concurrent-positions check needs (spec.md
// §4.6 check 5).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Has reports whether symbol already has an open position, the input
// the signal validator's duplicate-position check needs (spec.md §4.6
// check 6).
func (r *Registry) Has(symbol string) bool {
	_, ok := r.Get(symbol)
	return ok
}

// TotalExposure sums size*entry across every open position, the
// current-exposure input the signal validator's exposure check needs
// (spec.md §4.6 check 10).
func (r *Registry) TotalExposure() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range r.byKey {
		sum = sum.Add(p.EntryPrice.Mul(p.Size))
	}
	return sum
}

// SetStop updates a position's stop-loss both in memory and in the
// store, used by the breakeven promotion and any manual stop
// adjustment (spec.md §4.8: "updates it on stop-change").
func (r *Registry) SetStop(ctx context.Context, symbol string, stopLoss decimal.Decimal, breakevenMoved bool) error {
	r.mu.Lock()
	pos, ok := r.byKey[symbol]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("position: no open position for %s", symbol)
	}
	pos.StopLoss = stopLoss
	pos.BreakevenMoved = breakevenMoved
	r.byKey[symbol] = pos
	r.mu.Unlock()

	return r.store.UpdateStop(ctx, pos.ID, pos.StopLoss, breakevenMoved)
}

// Close finalizes a position's exit both in memory and the store.
func (r *Registry) Close(ctx context.Context, symbol string, exitPrice decimal.Decimal, reason domain.ExitReason) error {
	r.mu.Lock()
	pos, ok := r.byKey[symbol]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("position: no open position for %s", symbol)
	}
	delete(r.byKey, symbol)
	r.mu.Unlock()

	pnl := pos.UnrealizedPnL(exitPrice)
	pnlPercent := pos.UnrealizedPnLPercent(exitPrice)
	return r.store.CloseTrade(ctx, pos.ID, exitPrice, pnl, pnlPercent, reason, time.Now().UTC())
}

// Reconcile loads every OPEN/CLOSING trade row and joins it against the
// exchange's live position list by symbol, rebuilding the in-process
// registry after a restart (spec.md §4.8, §11 startup sequence). Any
// exchange position with no matching trade row, or trade row with no
// matching exchange position, is logged as a CRITICAL system event
// rather than silently dropped or silently adopted.
func (r *Registry) Reconcile(ctx context.Context, exchangePositions []exchange.PositionSnapshot) error {
	rows, err := r.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("position: reconcile: %w", err)
	}

	byExchangeSymbol := make(map[string]exchange.PositionSnapshot, len(exchangePositions))
	for _, p := range exchangePositions {
		byExchangeSymbol[p.Symbol] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]domain.Position, len(rows))

	matched := make(map[string]bool, len(rows))
	for _, row := range rows {
		exch, ok := byExchangeSymbol[row.Symbol]
		if !ok {
			r.logger.Warn("open trade row has no matching exchange position",
				log.EventField("reconcile_orphan_trade"),
				log.SeverityField(log.SeverityCritical),
				zap.String("symbol", row.Symbol), zap.String("trade_id", row.ID))
			continue
		}
		matched[row.Symbol] = true

		r.byKey[row.Symbol] = domain.Position{
			ID:             row.ID,
			Symbol:         row.Symbol,
			Direction:      row.Direction,
			EntryPrice:     exch.EntryPrice,
			Size:           exch.Size,
			Leverage:       exch.Leverage,
			SignalKind:     row.SignalType,
			DensityPrice:   row.DensityPrice,
			StopLoss:       row.StopLossPrice,
			BreakevenMoved: row.BreakevenMoved,
			Status:         domain.PositionOpen,
			OpenedAt:       row.EntryTime,
		}
	}

	for _, exch := range exchangePositions {
		if matched[exch.Symbol] {
			continue
		}
		r.logger.Warn("exchange position has no matching trade row",
			log.EventField("reconcile_untracked_position"),
			log.SeverityField(log.SeverityCritical),
			zap.String("symbol", exch.Symbol))
	}

	return nil
}
