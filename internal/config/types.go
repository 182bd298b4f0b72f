package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config aggregates every configuration section the engine needs at
// startup (spec.md §6).
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Market    MarketConfig    `mapstructure:"market"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig controls process-level parameters.
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig describes the REST connection to the derivatives exchange.
type ExchangeConfig struct {
	Name      string      `mapstructure:"name"`
	Testnet   bool        `mapstructure:"testnet"`
	APIKey    string      `mapstructure:"api_key"`
	APISecret string      `mapstructure:"api_secret"`
	Retry     RetryConfig `mapstructure:"retry"`
}

// RetryConfig controls the shared exchange-call retry/backoff policy.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	MinDelay            time.Duration `mapstructure:"min_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	CriticalMaxAttempts int           `mapstructure:"critical_max_attempts"`
}

// WebSocketConfig controls the live order book stream.
type WebSocketConfig struct {
	ReconnectDelayInitial time.Duration `mapstructure:"reconnect_delay_initial"`
	ReconnectDelayMax     time.Duration `mapstructure:"reconnect_delay_max"`
	OrderbookDepth        int           `mapstructure:"orderbook_depth"`
	SnapshotInterval      time.Duration `mapstructure:"snapshot_interval"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
}

// MarketConfig controls the dynamic symbol universe.
type MarketConfig struct {
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	TopGainersCount  int           `mapstructure:"top_gainers_count"`
	TopLosersCount   int           `mapstructure:"top_losers_count"`
	Min24hVolume     float64       `mapstructure:"min_24h_volume"`
	TrendChangeFloor float64       `mapstructure:"trend_change_percent"` // theta
	TrendImbalanceR  float64       `mapstructure:"trend_imbalance_ratio"`
}

// TradingConfig controls position sizing and exposure limits.
type TradingConfig struct {
	PositionSizeUSDT       float64       `mapstructure:"position_size_usdt"`
	Leverage               float64       `mapstructure:"leverage"`
	MarginMode             string        `mapstructure:"margin_mode"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	MaxExposurePercent     float64       `mapstructure:"max_exposure_percent"`
	MaxPerPositionPercent  float64       `mapstructure:"max_per_position_percent"`
	SignalLoopInterval     time.Duration `mapstructure:"signal_loop_interval"`
	MonitorLoopInterval    time.Duration `mapstructure:"monitor_loop_interval"`
	SafetyLoopInterval     time.Duration `mapstructure:"safety_loop_interval"`
}

// StrategyConfig holds the default per-symbol density/breakout/bounce
// thresholds; actual values are overridden per-symbol by CoinParameters
// loaded from the store — these are the fallback/seed defaults.
type StrategyConfig struct {
	BreakoutErosionPercent       float64          `mapstructure:"breakout_erosion_percent"`
	BreakoutMinStopLossPercent   float64          `mapstructure:"breakout_min_stop_loss_percent"`
	BounceDensityStablePercent   float64          `mapstructure:"bounce_density_stable_percent"`
	BounceStopLossBehindPercent  float64          `mapstructure:"bounce_stop_loss_behind_density_percent"`
	BounceDensityErosionExitPct  float64          `mapstructure:"bounce_density_erosion_exit_percent"`
	BounceQuietActivityPercent   float64          `mapstructure:"bounce_quiet_activity_percent"`
	BreakevenProfitPercent       float64          `mapstructure:"breakeven_profit_percent"`
	TouchTolerancePercent        float64          `mapstructure:"touch_tolerance_percent"`
	DensityThresholdAbs          float64          `mapstructure:"density_threshold_abs"`
	DensityRelativeMultiplier    float64          `mapstructure:"density_relative_multiplier"`
	DensityThresholdPercent      float64          `mapstructure:"density_threshold_percent"`
	ClusterRangePercent          float64          `mapstructure:"cluster_range_percent"`
	TakeProfit                   TakeProfitConfig `mapstructure:"take_profit"`
}

// TakeProfitConfig controls the five-check exit evaluator in
// internal/monitor (spec.md §4.9).
type TakeProfitConfig struct {
	VelocitySlowdownThreshold float64       `mapstructure:"velocity_slowdown_threshold"`
	ImbalanceChangeThreshold  float64       `mapstructure:"imbalance_change_threshold"`
	VelocityShortWindow       time.Duration `mapstructure:"velocity_short_window_sec"`
	VelocityLongWindow        time.Duration `mapstructure:"velocity_long_window_sec"`
	VolumeHistoryWindow       time.Duration `mapstructure:"volume_history_window_sec"`
}

// SafetyConfig controls the Safety Supervisor.
type SafetyConfig struct {
	ConnectionLossTimeout   time.Duration `mapstructure:"connection_loss_timeout"`
	EmergencyCloseAll       bool          `mapstructure:"emergency_close_all"`
	RequireStopLoss         bool          `mapstructure:"require_stop_loss"`
	MaxAPIRetries           int           `mapstructure:"max_api_retries"`
	MinBalanceUSDT          float64       `mapstructure:"min_balance_usdt"`
	MaxTotalExposurePercent float64       `mapstructure:"max_total_exposure_percent"`
	CheckInterval           time.Duration `mapstructure:"check_interval"`
	MetricsPort             int           `mapstructure:"metrics_port"`
}

// DatabaseConfig configures the sqlite-backed persistent store.
type DatabaseConfig struct {
	Path              string        `mapstructure:"path"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory          bool          `mapstructure:"in_memory"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
	DensityRetention  time.Duration `mapstructure:"density_retention"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate aggregates every configuration violation instead of stopping at
// the first, mirroring the teacher's Config.Validate.
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment must not be empty"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name must not be empty"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts must be > 0"))
	}
	if c.Exchange.Retry.CriticalMaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.critical_max_attempts must be > 0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry delays must be positive"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay must not exceed max_delay"))
	}
	if c.WebSocket.ReconnectDelayInitial <= 0 {
		err = multierr.Append(err, errors.New("websocket.reconnect_delay_initial must be > 0"))
	}
	if c.WebSocket.ReconnectDelayMax < c.WebSocket.ReconnectDelayInitial {
		err = multierr.Append(err, errors.New("websocket.reconnect_delay_max must be >= reconnect_delay_initial"))
	}
	if c.WebSocket.OrderbookDepth <= 0 {
		err = multierr.Append(err, errors.New("websocket.orderbook_depth must be > 0"))
	}
	if c.Trading.PositionSizeUSDT <= 0 {
		err = multierr.Append(err, errors.New("trading.position_size_usdt must be > 0"))
	}
	if c.Trading.Leverage <= 0 {
		err = multierr.Append(err, errors.New("trading.leverage must be > 0"))
	}
	if c.Trading.MaxConcurrentPositions <= 0 {
		err = multierr.Append(err, errors.New("trading.max_concurrent_positions must be > 0"))
	}
	if c.Trading.MaxExposurePercent <= 0 || c.Trading.MaxExposurePercent > 1 {
		err = multierr.Append(err, errors.New("trading.max_exposure_percent must be in (0,1]"))
	}
	if c.Trading.MaxPerPositionPercent <= 0 || c.Trading.MaxPerPositionPercent > 1 {
		err = multierr.Append(err, errors.New("trading.max_per_position_percent must be in (0,1]"))
	}
	if c.Safety.ConnectionLossTimeout <= 0 {
		err = multierr.Append(err, errors.New("safety.connection_loss_timeout must be > 0"))
	}
	if c.Safety.MaxAPIRetries <= 0 {
		err = multierr.Append(err, errors.New("safety.max_api_retries must be > 0"))
	}
	if c.Safety.MinBalanceUSDT < 0 {
		err = multierr.Append(err, errors.New("safety.min_balance_usdt must not be negative"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path must not be empty"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns must be > 0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns must not be negative"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level must not be empty"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding must not be empty"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths must have at least one target"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths must have at least one target"))
	}
	if c.Strategy.TakeProfit.VelocityShortWindow <= 0 {
		err = multierr.Append(err, errors.New("strategy.take_profit.velocity_short_window_sec must be > 0"))
	}
	if c.Strategy.TakeProfit.VelocityLongWindow <= c.Strategy.TakeProfit.VelocityShortWindow {
		err = multierr.Append(err, errors.New("strategy.take_profit.velocity_long_window_sec must exceed the short window"))
	}

	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
