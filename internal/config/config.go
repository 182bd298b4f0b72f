package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "densityengine"
)

// Load reads the configuration document and overlays environment
// variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "bybit")
	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.critical_max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "1s")
	v.SetDefault("exchange.retry.max_delay", "10s")

	v.SetDefault("websocket.reconnect_delay_initial", "1s")
	v.SetDefault("websocket.reconnect_delay_max", "30s")
	v.SetDefault("websocket.orderbook_depth", 50)
	v.SetDefault("websocket.snapshot_interval", "5m")
	v.SetDefault("websocket.heartbeat_interval", "20s")

	v.SetDefault("market.update_interval", "5m")
	v.SetDefault("market.top_gainers_count", 10)
	v.SetDefault("market.top_losers_count", 10)
	v.SetDefault("market.min_24h_volume", 1_000_000.0)
	v.SetDefault("market.trend_change_percent", 3.0)
	v.SetDefault("market.trend_imbalance_ratio", 1.5)

	v.SetDefault("trading.position_size_usdt", 100.0)
	v.SetDefault("trading.leverage", 5.0)
	v.SetDefault("trading.margin_mode", "ISOLATED")
	v.SetDefault("trading.max_concurrent_positions", 5)
	v.SetDefault("trading.max_exposure_percent", 0.5)
	v.SetDefault("trading.max_per_position_percent", 0.2)
	v.SetDefault("trading.signal_loop_interval", "10s")
	v.SetDefault("trading.monitor_loop_interval", "1s")
	v.SetDefault("trading.safety_loop_interval", "30s")

	v.SetDefault("strategy.breakout_erosion_percent", 30.0)
	v.SetDefault("strategy.breakout_min_stop_loss_percent", 0.1)
	v.SetDefault("strategy.bounce_density_stable_percent", 65.0)
	v.SetDefault("strategy.bounce_stop_loss_behind_density_percent", 0.15)
	v.SetDefault("strategy.bounce_density_erosion_exit_percent", 65.0)
	v.SetDefault("strategy.bounce_quiet_activity_percent", 20.0)
	v.SetDefault("strategy.breakeven_profit_percent", 0.5)
	v.SetDefault("strategy.touch_tolerance_percent", 0.2)
	v.SetDefault("strategy.density_threshold_abs", 100_000.0)
	v.SetDefault("strategy.density_relative_multiplier", 3.0)
	v.SetDefault("strategy.density_threshold_percent", 5.0)
	v.SetDefault("strategy.cluster_range_percent", 0.05)
	v.SetDefault("strategy.take_profit.velocity_slowdown_threshold", 0.4)
	v.SetDefault("strategy.take_profit.imbalance_change_threshold", 2.0)
	v.SetDefault("strategy.take_profit.velocity_short_window_sec", "3s")
	v.SetDefault("strategy.take_profit.velocity_long_window_sec", "15s")
	v.SetDefault("strategy.take_profit.volume_history_window_sec", "10s")

	v.SetDefault("safety.connection_loss_timeout", "30s")
	v.SetDefault("safety.emergency_close_all", true)
	v.SetDefault("safety.require_stop_loss", true)
	v.SetDefault("safety.max_api_retries", 5)
	v.SetDefault("safety.min_balance_usdt", 50.0)
	v.SetDefault("safety.max_total_exposure_percent", 50.0)
	v.SetDefault("safety.check_interval", "30s")
	v.SetDefault("safety.metrics_port", 9090)

	v.SetDefault("database.path", "data/density_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)
	v.SetDefault("database.snapshot_retention", "720h")
	v.SetDefault("database.density_retention", "1440h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
