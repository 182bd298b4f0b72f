package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/config"
	"densityengine/internal/domain"
)

// LoadCoinParameters returns every persisted per-symbol parameter row
// (spec.md §6, §11 "load cached coin parameters" at startup).
func (s *Store) LoadCoinParameters(ctx context.Context) (map[string]domain.CoinParameters, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, tick_size, lot_size, density_threshold_abs, relative_multiplier,
			density_threshold_percent, cluster_range_percent, breakout_erosion_percent,
			breakout_min_stop_loss_percent, bounce_density_stable_percent,
			bounce_stop_loss_behind_percent, bounce_density_erosion_exit_percent,
			bounce_quiet_activity_percent,
			breakeven_profit_percent, touch_tolerance_percent, enabled, preferred_strategy
		FROM coin_parameters`)
	if err != nil {
		return nil, fmt.Errorf("loading coin parameters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CoinParameters)
	for rows.Next() {
		var p domain.CoinParameters
		var enabled int
		if err := rows.Scan(&p.Symbol, &p.TickSize, &p.LotSize, &p.DensityThresholdAbs,
			&p.RelativeMultiplier, &p.DensityThresholdPercent, &p.ClusterRangePercent,
			&p.BreakoutErosionPercent, &p.BreakoutMinStopLossPercent,
			&p.BounceDensityStablePercent, &p.BounceStopLossBehindPercent,
			&p.BounceDensityErosionExitPct, &p.BounceQuietActivityPercent,
			&p.BreakevenProfitPercent,
			&p.TouchTolerancePercent, &enabled, &p.PreferredStrategy); err != nil {
			return nil, fmt.Errorf("scanning coin parameters: %w", err)
		}
		p.Enabled = enabled == 1
		out[p.Symbol] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading coin parameters: %w", err)
	}
	return out, nil
}

// UpsertCoinParameters writes or replaces one symbol's parameter row.
func (s *Store) UpsertCoinParameters(ctx context.Context, p domain.CoinParameters) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coin_parameters (
			symbol, tick_size, lot_size, density_threshold_abs, relative_multiplier,
			density_threshold_percent, cluster_range_percent, breakout_erosion_percent,
			breakout_min_stop_loss_percent, bounce_density_stable_percent,
			bounce_stop_loss_behind_percent, bounce_density_erosion_exit_percent,
			bounce_quiet_activity_percent,
			breakeven_profit_percent, touch_tolerance_percent, enabled, preferred_strategy
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			tick_size=excluded.tick_size, lot_size=excluded.lot_size,
			density_threshold_abs=excluded.density_threshold_abs,
			relative_multiplier=excluded.relative_multiplier,
			density_threshold_percent=excluded.density_threshold_percent,
			cluster_range_percent=excluded.cluster_range_percent,
			breakout_erosion_percent=excluded.breakout_erosion_percent,
			breakout_min_stop_loss_percent=excluded.breakout_min_stop_loss_percent,
			bounce_density_stable_percent=excluded.bounce_density_stable_percent,
			bounce_stop_loss_behind_percent=excluded.bounce_stop_loss_behind_percent,
			bounce_density_erosion_exit_percent=excluded.bounce_density_erosion_exit_percent,
			bounce_quiet_activity_percent=excluded.bounce_quiet_activity_percent,
			breakeven_profit_percent=excluded.breakeven_profit_percent,
			touch_tolerance_percent=excluded.touch_tolerance_percent,
			enabled=excluded.enabled, preferred_strategy=excluded.preferred_strategy`,
		p.Symbol, p.TickSize, p.LotSize, p.DensityThresholdAbs, p.RelativeMultiplier,
		p.DensityThresholdPercent, p.ClusterRangePercent, p.BreakoutErosionPercent,
		p.BreakoutMinStopLossPercent, p.BounceDensityStablePercent,
		p.BounceStopLossBehindPercent, p.BounceDensityErosionExitPct, p.BounceQuietActivityPercent,
		p.BreakevenProfitPercent, p.TouchTolerancePercent, boolToInt(p.Enabled), p.PreferredStrategy,
	)
	if err != nil {
		return fmt.Errorf("upserting coin parameters for %s: %w", p.Symbol, err)
	}
	return nil
}

// DefaultCoinParameters builds a CoinParameters row from the strategy
// defaults, used to seed a symbol the first time it becomes active.
func DefaultCoinParameters(symbol string, tick, lot decimal.Decimal, strategy config.StrategyConfig, logger *zap.Logger) domain.CoinParameters {
	if logger != nil {
		logger.Debug("seeding default coin parameters", zap.String("symbol", symbol))
	}
	return domain.CoinParameters{
		Symbol:                      symbol,
		Enabled:                     true,
		TickSize:                    tick,
		LotSize:                     lot,
		DensityThresholdAbs:         decimal.NewFromFloat(strategy.DensityThresholdAbs),
		RelativeMultiplier:          decimal.NewFromFloat(strategy.DensityRelativeMultiplier),
		DensityThresholdPercent:     decimal.NewFromFloat(strategy.DensityThresholdPercent),
		ClusterRangePercent:         decimal.NewFromFloat(strategy.ClusterRangePercent),
		BreakoutErosionPercent:      decimal.NewFromFloat(strategy.BreakoutErosionPercent),
		BreakoutMinStopLossPercent:  decimal.NewFromFloat(strategy.BreakoutMinStopLossPercent),
		BounceDensityStablePercent:  decimal.NewFromFloat(strategy.BounceDensityStablePercent),
		BounceStopLossBehindPercent: decimal.NewFromFloat(strategy.BounceStopLossBehindPercent),
		BounceDensityErosionExitPct: decimal.NewFromFloat(strategy.BounceDensityErosionExitPct),
		BounceQuietActivityPercent:  decimal.NewFromFloat(strategy.BounceQuietActivityPercent),
		BreakevenProfitPercent:      decimal.NewFromFloat(strategy.BreakevenProfitPercent),
		TouchTolerancePercent:       decimal.NewFromFloat(strategy.TouchTolerancePercent),
		PreferredStrategy:           "both",
	}
}

var _ = sql.ErrNoRows
