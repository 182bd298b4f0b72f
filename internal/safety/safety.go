// Package safety runs the periodic balance/exposure/connection checks
// that gate trading and drives the EMERGENCY parallel force-close path
// (spec.md §4.10).
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"densityengine/internal/config"
	"densityengine/internal/domain"
	"densityengine/internal/exchange"
	"densityengine/internal/execution"
	"densityengine/internal/log"
	"densityengine/internal/marketfeed"
	"densityengine/internal/position"

	"go.uber.org/zap"
)

// maxParallelCloses bounds how many EMERGENCY force-closes run at once,
// the same rate-gate idiom internal/exchange uses for its own inflight cap.
const maxParallelCloses = 8

// Supervisor watches account health and connection liveness and
// escalates to EMERGENCY when either is compromised with positions
// open (spec.md §4.10).
type Supervisor struct {
	exchange *exchange.Client
	feed     *marketfeed.Feed
	registry *position.Registry
	executor *execution.Executor
	cfg      config.SafetyConfig
	logger   *zap.Logger

	mu               sync.Mutex
	consecutiveFails int
	tradingDisabled  bool

	metrics metrics
}

type metrics struct {
	openPositions   prometheus.Gauge
	exposureUSDT    prometheus.Gauge
	reconnectCount  prometheus.Counter
	inflightGate    prometheus.Gauge
	emergencyCount  prometheus.Counter
}

// New constructs a Supervisor and registers its prometheus metrics
// against the default registry.
func New(ex *exchange.Client, feed *marketfeed.Feed, reg *position.Registry, exec *execution.Executor, cfg config.SafetyConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		exchange: ex,
		feed:     feed,
		registry: reg,
		executor: exec,
		cfg:      cfg,
		logger:   logger,
		metrics: metrics{
			openPositions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "densityengine_open_positions",
				Help: "Number of currently open positions.",
			}),
			exposureUSDT: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "densityengine_exposure_usdt",
				Help: "Aggregate notional exposure across open positions, in USDT.",
			}),
			reconnectCount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "densityengine_ws_reconnects_total",
				Help: "Total websocket reconnect attempts observed by the safety loop.",
			}),
			inflightGate: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "densityengine_exchange_gate_saturation",
				Help: "Fraction of the exchange rate gate currently in use.",
			}),
			emergencyCount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "densityengine_emergency_triggers_total",
				Help: "Total number of times EMERGENCY was raised.",
			}),
		},
	}
}

// TradingDisabled reports whether cfg.MaxAPIRetries consecutive check
// failures have escalated to disabling new trade execution (spec.md §4.10).
func (s *Supervisor) TradingDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingDisabled
}

// Check runs one safety cycle: balance, exposure and connection health,
// using live exchange/feed data rather than placeholders. A balance
// below the configured floor, or a sustained connection loss with open
// positions, escalates straight to EMERGENCY with no failure-counter
// budget; cfg.MaxAPIRetries consecutive exposure-check failures disable
// new trade execution without force-closing anything already open.
func (s *Supervisor) Check(ctx context.Context) {
	s.metrics.openPositions.Set(float64(s.registry.Count()))
	exposure, _ := s.registry.TotalExposure().Float64()
	s.metrics.exposureUSDT.Set(exposure)
	s.metrics.inflightGate.Set(s.exchange.InflightFraction())

	if disconnected := s.feed.DisconnectedSince(); disconnected >= s.cfg.ConnectionLossTimeout {
		s.metrics.reconnectCount.Inc()
		if s.registry.Count() > 0 {
			s.logger.Error("connection lost with open positions, raising emergency",
				log.EventField("safety_connection_emergency"),
				log.SeverityField(log.SeverityCritical),
				zap.Duration("disconnected_for", disconnected))
			s.triggerEmergency(ctx)
			return
		}
	}

	if err := s.checkBalance(ctx); err != nil {
		// spec.md §4.10: balance below the floor escalates to EMERGENCY
		// immediately, with no failure-counter budget, matching the
		// original safety_monitor's _check_account_balance calling
		// emergency_shutdown() on the spot.
		s.logger.Error("balance below minimum, raising emergency",
			log.EventField("safety_balance_emergency"),
			log.SeverityField(log.SeverityCritical), zap.Error(err))
		s.triggerEmergency(ctx)
		return
	}
	if err := s.checkExposure(ctx); err != nil {
		s.recordFailure(ctx, "exposure_check_failed", err)
		return
	}

	s.mu.Lock()
	s.consecutiveFails = 0
	if s.tradingDisabled {
		s.tradingDisabled = false
		s.logger.Info("trading re-enabled after healthy safety check")
	}
	s.mu.Unlock()
}

func (s *Supervisor) checkBalance(ctx context.Context) error {
	balance, err := s.exchange.GetWalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("safety: fetch wallet balance: %w", err)
	}
	floor := decimal.NewFromFloat(s.cfg.MinBalanceUSDT)
	if balance.Available.LessThan(floor) {
		return fmt.Errorf("safety: available balance %s below floor %s", balance.Available, floor)
	}
	return nil
}

func (s *Supervisor) checkExposure(ctx context.Context) error {
	positions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("safety: fetch positions: %w", err)
	}
	if len(positions) != s.registry.Count() {
		s.logger.Warn("exchange position count diverges from registry",
			log.EventField("safety_position_count_mismatch"),
			zap.Int("exchange_count", len(positions)), zap.Int("registry_count", s.registry.Count()))
	}

	balance, err := s.exchange.GetWalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("safety: fetch wallet balance: %w", err)
	}
	if balance.Available.IsZero() {
		return nil
	}
	// spec.md §4.10: "aggregate exposure % > max_exposure_percent -> block
	// new signals", grounded on safety_monitor.py's _check_exposure_limits
	// (exposure_percent = total_exposure / balance * 100). This is a
	// continuous health check distinct from internal/signal/validator.go's
	// per-signal pre-trade exposure check.
	exposurePercent := s.registry.TotalExposure().Div(balance.Available).Mul(decimal.NewFromInt(100))
	maxPercent := decimal.NewFromFloat(s.cfg.MaxTotalExposurePercent)
	if exposurePercent.GreaterThan(maxPercent) {
		return fmt.Errorf("safety: aggregate exposure %s%% exceeds limit %s%%", exposurePercent, maxPercent)
	}
	return nil
}

func (s *Supervisor) recordFailure(ctx context.Context, eventType string, err error) {
	s.mu.Lock()
	s.consecutiveFails++
	fails := s.consecutiveFails
	s.mu.Unlock()

	s.logger.Warn("safety check failed",
		log.EventField(eventType), zap.Int("consecutive_failures", fails), zap.Error(err))

	if fails >= s.cfg.MaxAPIRetries {
		s.mu.Lock()
		s.tradingDisabled = true
		s.mu.Unlock()
		s.logger.Error("trading disabled after repeated safety check failures",
			log.EventField("safety_trading_disabled"),
			log.SeverityField(log.SeverityCritical),
			zap.Int("consecutive_failures", fails))
	}
}

// triggerEmergency flattens every open position in parallel, bounded by
// a semaphore, and disables trading for the remainder of the process
// lifetime. This is the genuine implementation of the force-close-all
// path the original safety monitor only ever described as a TODO.
func (s *Supervisor) triggerEmergency(ctx context.Context) {
	s.metrics.emergencyCount.Inc()
	s.mu.Lock()
	s.tradingDisabled = true
	s.mu.Unlock()

	open := s.registry.All()
	if len(open) == 0 {
		return
	}

	gate := semaphore.NewWeighted(maxParallelCloses)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, pos := range open {
		pos := pos
		group.Go(func() error {
			if err := gate.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer gate.Release(1)
			return s.forceClose(groupCtx, pos)
		})
	}
	if err := group.Wait(); err != nil {
		s.logger.Error("emergency force-close-all completed with errors",
			log.EventField("safety_emergency_incomplete"),
			log.SeverityField(log.SeverityCritical), zap.Error(err))
		return
	}
	s.logger.Info("emergency force-close-all completed", zap.Int("positions_closed", len(open)))
}

func (s *Supervisor) forceClose(ctx context.Context, pos domain.Position) error {
	result, err := s.executor.ForceClose(ctx, pos)
	if err != nil {
		return err
	}
	exitPrice := result.AvgPrice
	if exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}
	return s.registry.Close(ctx, pos.Symbol, exitPrice, domain.ExitEmergency)
}

// Run drives the periodic safety cycle at cfg.CheckInterval until ctx is
// cancelled, the same self-owned ticker-loop shape internal/marketfeed
// uses for its ping loop.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// StartMetricsServer serves /metrics on the configured port until ctx
// is cancelled (spec.md §4.10's process-metrics surface).
func (s *Supervisor) StartMetricsServer(ctx context.Context) error {
	if s.cfg.MetricsPort == 0 {
		return nil
	}
	return serveMetrics(ctx, s.cfg.MetricsPort, s.logger)
}

