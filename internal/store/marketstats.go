package store

import (
	"context"
	"time"
)

// MarketStat mirrors one row of market_stats: the 24h ranking snapshot
// the symbol-selection loop uses to choose the active trading set
// (spec.md §3 "top gainers/losers by 24h change, filtered by volume").
type MarketStat struct {
	Symbol                string
	Volume24h             float64
	PriceChange24hPercent float64
	IsActive              bool
	Rank                  int
	UpdatedAt             time.Time
}

// UpsertMarketStat writes or replaces one symbol's ranking row.
func (s *Store) UpsertMarketStat(ctx context.Context, m MarketStat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_stats (symbol, volume_24h, price_change_24h_percent, is_active, rank, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			volume_24h=excluded.volume_24h,
			price_change_24h_percent=excluded.price_change_24h_percent,
			is_active=excluded.is_active,
			rank=excluded.rank,
			updated_at=excluded.updated_at`,
		m.Symbol, m.Volume24h, m.PriceChange24hPercent, boolToInt(m.IsActive), m.Rank,
		m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// ActiveSymbols returns every symbol currently flagged active, ordered
// by rank, used to seed the market feed's subscription set.
func (s *Store) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM market_stats WHERE is_active = 1 ORDER BY rank ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}

// ActiveMarketStats returns the full ranking row for every active
// symbol, the input the orchestrator's signal loop needs for the trend
// classifier's 24h-change input.
func (s *Store) ActiveMarketStats(ctx context.Context) ([]MarketStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, volume_24h, price_change_24h_percent, is_active, rank, updated_at
			FROM market_stats WHERE is_active = 1 ORDER BY rank ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketStat
	for rows.Next() {
		var (
			m         MarketStat
			isActive  int
			updatedAt string
		)
		if err := rows.Scan(&m.Symbol, &m.Volume24h, &m.PriceChange24hPercent, &isActive, &m.Rank, &updatedAt); err != nil {
			return nil, err
		}
		m.IsActive = isActive == 1
		if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			m.UpdatedAt = ts
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeactivateAllExcept flips is_active to 0 for every symbol not in keep,
// called each refresh cycle before re-upserting the new top set so a
// symbol that drops out of rank stops being treated as active (unless a
// position is open on it; the caller is responsible for excluding those).
func (s *Store) DeactivateAllExcept(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE market_stats SET is_active = 0`)
		return err
	}
	placeholders := make([]byte, 0, len(keep)*2)
	args := make([]interface{}, 0, len(keep))
	for i, sym := range keep {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, sym)
	}
	query := `UPDATE market_stats SET is_active = 0 WHERE symbol NOT IN (` + string(placeholders) + `)`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
