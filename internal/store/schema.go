package store

import "fmt"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		entry_time TEXT NOT NULL,
		exit_time TEXT,
		entry_price TEXT NOT NULL,
		exit_price TEXT,
		position_size TEXT NOT NULL,
		leverage TEXT NOT NULL,
		direction TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		profit_loss TEXT,
		profit_loss_percent TEXT,
		stop_loss_price TEXT NOT NULL,
		breakeven_moved INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		exit_reason TEXT,
		density_price TEXT,
		parameters_snapshot TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status) WHERE status = 'OPEN';`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,

	`CREATE TABLE IF NOT EXISTS coin_parameters (
		symbol TEXT PRIMARY KEY,
		tick_size TEXT NOT NULL,
		lot_size TEXT NOT NULL,
		density_threshold_abs TEXT NOT NULL,
		relative_multiplier TEXT NOT NULL,
		density_threshold_percent TEXT NOT NULL,
		cluster_range_percent TEXT NOT NULL,
		breakout_erosion_percent TEXT NOT NULL,
		breakout_min_stop_loss_percent TEXT NOT NULL,
		bounce_density_stable_percent TEXT NOT NULL,
		bounce_stop_loss_behind_percent TEXT NOT NULL,
		bounce_density_erosion_exit_percent TEXT NOT NULL,
		bounce_quiet_activity_percent TEXT NOT NULL DEFAULT '20',
		breakeven_profit_percent TEXT NOT NULL,
		touch_tolerance_percent TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		preferred_strategy TEXT NOT NULL DEFAULT ''
	);`,

	`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
		time TEXT NOT NULL,
		symbol TEXT NOT NULL,
		bids TEXT NOT NULL,
		asks TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_orderbook_snapshots_time ON orderbook_snapshots(symbol, time);`,

	`CREATE TABLE IF NOT EXISTS densities (
		time TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price_level TEXT NOT NULL,
		side TEXT NOT NULL,
		volume TEXT NOT NULL,
		is_cluster INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_densities_time ON densities(symbol, time);`,

	`CREATE TABLE IF NOT EXISTS market_stats (
		symbol TEXT PRIMARY KEY,
		volume_24h REAL NOT NULL DEFAULT 0,
		price_change_24h_percent REAL NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		rank INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS system_events (
		time TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		symbol TEXT,
		details TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_system_events_time ON system_events(time);`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}
