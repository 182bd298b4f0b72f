package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// TradeRecord is the durable row backing a domain.Position (spec.md §6).
type TradeRecord struct {
	ID                 string
	Symbol             string
	EntryTime          time.Time
	ExitTime           *time.Time
	EntryPrice         decimal.Decimal
	ExitPrice          *decimal.Decimal
	PositionSize       decimal.Decimal
	Leverage           decimal.Decimal
	Direction          domain.Direction
	SignalType         domain.SignalKind
	ProfitLoss         *decimal.Decimal
	ProfitLossPercent  *decimal.Decimal
	StopLossPrice      decimal.Decimal
	BreakevenMoved     bool
	Status             domain.PositionStatus
	ExitReason         domain.ExitReason
	DensityPrice        decimal.Decimal
	ParametersSnapshot string
}

// InsertOpenTrade persists a new OPEN trade record at position-open time
// (spec.md §4.8: "Creates a trade record at OPEN").
func (s *Store) InsertOpenTrade(ctx context.Context, rec TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, symbol, entry_time, entry_price, position_size, leverage,
			direction, signal_type, stop_loss_price, breakeven_moved, status,
			density_price, parameters_snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.EntryTime.Format(time.RFC3339Nano),
		rec.EntryPrice, rec.PositionSize, rec.Leverage,
		string(rec.Direction), string(rec.SignalType), rec.StopLossPrice,
		boolToInt(rec.BreakevenMoved), string(domain.PositionOpen),
		rec.DensityPrice, rec.ParametersSnapshot,
	)
	if err != nil {
		return fmt.Errorf("inserting open trade: %w", err)
	}
	return nil
}

// UpdateStop persists a stop-loss change, including breakeven promotion
// (spec.md §4.8: "updates it on stop-change (incl. breakeven)").
func (s *Store) UpdateStop(ctx context.Context, id string, stopLoss decimal.Decimal, breakevenMoved bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trades SET stop_loss_price = ?, breakeven_moved = ? WHERE id = ? AND status = 'OPEN'`,
		stopLoss, boolToInt(breakevenMoved), id,
	)
	if err != nil {
		return fmt.Errorf("updating stop for trade %s: %w", id, err)
	}
	return nil
}

// CloseTrade finalizes a trade record at position close.
func (s *Store) CloseTrade(ctx context.Context, id string, exitPrice, pnl, pnlPercent decimal.Decimal, reason domain.ExitReason, closedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			exit_time = ?, exit_price = ?, profit_loss = ?,
			profit_loss_percent = ?, status = 'CLOSED', exit_reason = ?
		WHERE id = ?`,
		closedAt.Format(time.RFC3339Nano), exitPrice, pnl, pnlPercent, string(reason), id,
	)
	if err != nil {
		return fmt.Errorf("closing trade %s: %w", id, err)
	}
	return nil
}

// MarkClosing flags a trade as CLOSING while its compensating close is
// in flight, so a crash mid-close is visible on the next reconciliation.
func (s *Store) MarkClosing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trades SET status = 'CLOSING' WHERE id = ? AND status = 'OPEN'`, id)
	if err != nil {
		return fmt.Errorf("marking trade %s closing: %w", id, err)
	}
	return nil
}

// ListOpenTrades returns every OPEN (or CLOSING) trade row, used by the
// Position Registry at startup to reconcile against exchange-open
// positions (spec.md §4.8).
func (s *Store) ListOpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, entry_time, entry_price, position_size, leverage,
			direction, signal_type, stop_loss_price, breakeven_moved, status,
			density_price, parameters_snapshot
		FROM trades WHERE status IN ('OPEN', 'CLOSING')`)
	if err != nil {
		return nil, fmt.Errorf("listing open trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec           TradeRecord
			entryTime     string
			direction     string
			signalType    string
			status        string
			breakevenMove int
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &entryTime, &rec.EntryPrice,
			&rec.PositionSize, &rec.Leverage, &direction, &signalType,
			&rec.StopLossPrice, &breakevenMove, &status, &rec.DensityPrice,
			&rec.ParametersSnapshot); err != nil {
			return nil, fmt.Errorf("scanning open trade: %w", err)
		}
		ts, perr := time.Parse(time.RFC3339Nano, entryTime)
		if perr != nil {
			ts = time.Now().UTC()
		}
		rec.EntryTime = ts
		rec.Direction = domain.Direction(direction)
		rec.SignalType = domain.SignalKind(signalType)
		rec.Status = domain.PositionStatus(status)
		rec.BreakevenMoved = breakevenMove == 1
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading open trades: %w", err)
	}
	return out, nil
}

// GetOpenTradeBySymbol returns the first OPEN trade for a symbol, or
// sql.ErrNoRows wrapped if none exists.
func (s *Store) GetOpenTradeBySymbol(ctx context.Context, symbol string) (TradeRecord, error) {
	trades, err := s.ListOpenTrades(ctx)
	if err != nil {
		return TradeRecord{}, err
	}
	for _, t := range trades {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return TradeRecord{}, fmt.Errorf("no open trade for %s: %w", symbol, sql.ErrNoRows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
