package store

import (
	"context"
	"encoding/json"
	"time"

	"densityengine/internal/domain"
)

// InsertOrderbookSnapshot persists one point-in-time order book capture.
// Snapshots are written at a configurable cadence, not on every tick
// (spec.md §6's orderbook_snapshots is a sampled record, not a full log).
func (s *Store) InsertOrderbookSnapshot(ctx context.Context, book domain.OrderBook) error {
	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return err
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orderbook_snapshots (time, symbol, bids, asks) VALUES (?, ?, ?, ?)`,
		book.Timestamp.Format(time.RFC3339Nano), book.Symbol, string(bids), string(asks),
	)
	return err
}

// PruneOrderbookSnapshots deletes snapshot rows older than the configured
// retention window.
func (s *Store) PruneOrderbookSnapshots(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM orderbook_snapshots WHERE time < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertDensitySample records one density observation for historical
// analysis (spec.md §6's densities table).
func (s *Store) InsertDensitySample(ctx context.Context, d domain.Density) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO densities (time, symbol, price_level, side, volume, is_cluster) VALUES (?, ?, ?, ?, ?, ?)`,
		d.LastSeenAt.Format(time.RFC3339Nano), d.Symbol, d.PriceLevel.String(), string(d.Side),
		d.CurrentVolume.String(), boolToInt(d.IsCluster),
	)
	return err
}

// PruneDensitySamples deletes density rows older than the configured
// retention window.
func (s *Store) PruneDensitySamples(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM densities WHERE time < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
