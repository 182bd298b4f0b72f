package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/config"
	"densityengine/internal/density"
	"densityengine/internal/domain"
	"densityengine/internal/exchange"
	"densityengine/internal/execution"
	"densityengine/internal/history"
	"densityengine/internal/log"
	"densityengine/internal/marketfeed"
	"densityengine/internal/monitor"
	"densityengine/internal/position"
	"densityengine/internal/safety"
	"densityengine/internal/signal"
	"densityengine/internal/store"
	"densityengine/internal/trend"
)

// orchestrator wires every component together and drives the three
// polling loops the data flow requires (spec.md §2): a book-update
// ingest loop feeding History Buffers and the Density Tracker, a
// ~10s signal loop running Trend -> Signal Generator -> Signal
// Validator -> Execution Core, and a ~1s monitor loop running the
// Position Monitor over every open position. The Safety Supervisor
// drives its own ~30s loop independently (internal/safety.Run).
type orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	exchange  *exchange.Client
	feed      *marketfeed.Feed
	history   *history.Store
	density   *density.Tracker
	trend     *trend.Analyzer
	generator *signal.Generator
	validator *signal.Validator
	executor  *execution.Executor
	registry  *position.Registry
	monitor   *monitor.Monitor
	safety    *safety.Supervisor

	paramsMu sync.RWMutex
	params   map[string]domain.CoinParameters

	statsMu sync.RWMutex
	stats   map[string]store.MarketStat

	activeMu sync.RWMutex
	active   map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	ex, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("app: construct exchange client: %w", err)
	}

	feed := marketfeed.New(cfg.WebSocket, logger)
	hist := history.New()
	dens := density.New()
	tnd := trend.New(cfg.Market.TrendChangeFloor, cfg.Market.TrendImbalanceR)
	gen := signal.NewGenerator()
	val := signal.NewValidator()
	exec := execution.New(ex, st, logger)
	reg := position.New(st, logger)
	mon := monitor.New(reg, dens, hist, exec, logger)
	sup := safety.New(ex, feed, reg, exec, cfg.Safety, logger)

	return &orchestrator{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		exchange:  ex,
		feed:      feed,
		history:   hist,
		density:   dens,
		trend:     tnd,
		generator: gen,
		validator: val,
		executor:  exec,
		registry:  reg,
		monitor:   mon,
		safety:    sup,
		params:    make(map[string]domain.CoinParameters),
		stats:     make(map[string]store.MarketStat),
		active:    make(map[string]bool),
	}, nil
}

// Start runs the full startup sequence (spec.md §4.11) and launches the
// loops. It returns once the initial subscriptions are live; the loops
// keep running in background goroutines tracked by o.wg.
func (o *orchestrator) Start(ctx context.Context) error {
	params, err := o.store.LoadCoinParameters(ctx)
	if err != nil {
		return fmt.Errorf("app: load coin parameters: %w", err)
	}
	o.setParams(params)

	stats, err := o.store.ActiveMarketStats(ctx)
	if err != nil {
		return fmt.Errorf("app: fetch initial active-symbol set: %w", err)
	}
	o.setStats(stats)

	for _, stat := range stats {
		if _, ok := o.paramsFor(stat.Symbol); ok {
			continue
		}
		defaults := store.DefaultCoinParameters(stat.Symbol,
			decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.001), o.cfg.Strategy, o.logger)
		if err := o.store.UpsertCoinParameters(ctx, defaults); err != nil {
			o.logger.Warn("failed to seed default coin parameters",
				log.EventField("app_seed_params_failed"), zap.String("symbol", stat.Symbol), zap.Error(err))
			continue
		}
		o.setParam(defaults)
	}

	positions, err := o.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("app: fetch exchange positions for reconciliation: %w", err)
	}
	if err := o.registry.Reconcile(ctx, positions); err != nil {
		return fmt.Errorf("app: reconcile positions: %w", err)
	}

	symbols := make([]string, 0, len(stats))
	for _, stat := range stats {
		symbols = append(symbols, stat.Symbol)
	}
	for _, pos := range o.registry.All() {
		if !contains(symbols, pos.Symbol) {
			symbols = append(symbols, pos.Symbol)
		}
	}
	o.setActive(symbols)

	for _, sym := range symbols {
		if err := o.feed.Subscribe(sym); err != nil {
			o.logger.Warn("subscribe failed at startup",
				log.EventField("app_subscribe_failed"), zap.String("symbol", sym), zap.Error(err))
		}
	}

	if err := o.feed.Start(); err != nil {
		return fmt.Errorf("app: start market feed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(4)
	go o.runIngestLoop(loopCtx)
	go o.runSignalLoop(loopCtx)
	go o.runMonitorLoop(loopCtx)
	go o.runSafetyLoop(loopCtx)

	go func() {
		if err := o.safety.StartMetricsServer(loopCtx); err != nil {
			o.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown cancels every loop and waits for them to drain, bounded by
// ctx's deadline (spec.md §4.11: "awaits in-flight closes with a
// bounded deadline, then tears down").
func (o *orchestrator) Shutdown(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
	}
	o.feed.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline exceeded, tearing down with loops still draining")
	}
}

func (o *orchestrator) activeSymbolCount() int {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	return len(o.active)
}

// runIngestLoop consumes the market feed's book updates and feeds
// History Buffers and the Density Tracker, one message at a time, so
// the per-symbol FIFO ordering spec.md §5 requires between a book
// update and the density-lifecycle events it produces holds by
// construction: one goroutine, one channel, no reordering.
func (o *orchestrator) runIngestLoop(ctx context.Context) {
	defer o.wg.Done()
	updates := o.feed.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-updates:
			if !ok {
				return
			}
			o.ingest(book)
		}
	}
}

func (o *orchestrator) ingest(book domain.OrderBook) {
	mid, ok := book.Mid()
	if !ok {
		return
	}
	o.history.RecordPrice(book.Symbol, book.Timestamp, mid)
	o.history.RecordVolume(book.Symbol, book.Timestamp, book.TotalVolume(domain.SideBid), book.TotalVolume(domain.SideAsk))

	params, ok := o.paramsFor(book.Symbol)
	if !ok || !params.Enabled {
		return
	}
	o.density.Update(book, params)
}

// runSignalLoop re-reads the externally-maintained active-symbol set
// every cycle, classifies each symbol's trend, generates and validates
// candidate signals, and executes the ones that clear every check
// (spec.md §4.11 "Signal loop (~10s cadence)").
func (o *orchestrator) runSignalLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.Trading.SignalLoopInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runSignalCycle(ctx)
		}
	}
}

func (o *orchestrator) runSignalCycle(ctx context.Context) {
	if o.safety.TradingDisabled() {
		return
	}

	if err := o.refreshActiveSymbols(ctx); err != nil {
		o.logger.Warn("refresh active symbols failed",
			log.EventField("app_refresh_active_symbols_failed"), zap.Error(err))
	}

	balance, err := o.exchange.GetWalletBalance(ctx)
	if err != nil {
		o.logger.Warn("fetch wallet balance failed, skipping signal cycle",
			log.EventField("app_balance_fetch_failed"), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, sym := range o.activeSymbols() {
		o.evaluateSymbol(ctx, sym, balance.Available, now)
	}
}

func (o *orchestrator) evaluateSymbol(ctx context.Context, symbol string, balance decimal.Decimal, now time.Time) {
	params, ok := o.paramsFor(symbol)
	if !ok || !params.Enabled {
		return
	}
	book, ok := o.feed.CurrentBook(symbol)
	if !ok {
		return
	}

	stat, hasStat := o.statFor(symbol)
	priceChange := 0.0
	if hasStat {
		priceChange = stat.PriceChange24hPercent
	}

	t := o.trend.Analyze(symbol, priceChange, book, now)
	densities := o.density.Current(symbol)
	signals := o.generator.Generate(book, t, densities, params, now)
	if len(signals) == 0 {
		return
	}

	mid, _ := book.Mid()
	for _, sig := range signals {
		in := signal.ValidationInput{
			Signal:                 sig,
			Params:                 params,
			SymbolActive:           o.isActive(symbol),
			OpenPositionsCount:     o.registry.Count(),
			MaxConcurrentPositions: o.cfg.Trading.MaxConcurrentPositions,
			HasOpenPositionSymbol:  o.registry.Has(symbol),
			AccountBalance:         balance,
			Leverage:               decimal.NewFromFloat(o.cfg.Trading.Leverage),
			CurrentPrice:           mid,
			HasCurrentPrice:        true,
			CurrentDensities:       densities,
			CurrentExposureUSDT:    o.registry.TotalExposure(),
			MaxExposurePercent:     decimal.NewFromFloat(o.cfg.Trading.MaxExposurePercent),
			MaxPerPositionPercent:  decimal.NewFromFloat(o.cfg.Trading.MaxPerPositionPercent),
			PositionSizeUSDT:       decimal.NewFromFloat(o.cfg.Trading.PositionSizeUSDT),
			Now:                    now,
		}

		if reason, ok := o.validator.Validate(in); !ok {
			o.logger.Debug("signal rejected", zap.String("symbol", symbol), zap.String("reason", reason))
			continue
		}

		pos, state, err := o.executor.Execute(ctx, sig, execution.Params{
			PositionSizeUSDT: decimal.NewFromFloat(o.cfg.Trading.PositionSizeUSDT),
			Leverage:         decimal.NewFromFloat(o.cfg.Trading.Leverage),
			Isolated:         strings.EqualFold(o.cfg.Trading.MarginMode, "isolated"),
			LotSize:          params.LotSize,
			TickSize:         params.TickSize,
		})
		if err != nil {
			o.logger.Warn("execution failed", zap.String("symbol", symbol), zap.String("state", string(state)), zap.Error(err))
			continue
		}
		o.registry.Open(pos)
	}
}

// runMonitorLoop evaluates every open position for breakeven promotion
// and exit conditions on a ~1s cadence (spec.md §4.11).
func (o *orchestrator) runMonitorLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.Trading.MonitorLoopInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pos := range o.registry.All() {
				book, ok := o.feed.CurrentBook(pos.Symbol)
				if !ok {
					continue
				}
				params, ok := o.paramsFor(pos.Symbol)
				if !ok {
					continue
				}
				o.monitor.CheckPosition(ctx, pos, book, params, o.cfg.Strategy.TakeProfit)
			}
		}
	}
}

// runSafetyLoop delegates to the Safety Supervisor's own self-paced
// loop; it only needs a goroutine slot and wg bookkeeping here.
func (o *orchestrator) runSafetyLoop(ctx context.Context) {
	defer o.wg.Done()
	o.safety.Run(ctx)
}

// refreshActiveSymbols re-reads market_stats and updates subscriptions,
// never dropping a symbol that still has an open position (spec.md §4
// open question resolution: never deactivate a symbol mid-trade).
func (o *orchestrator) refreshActiveSymbols(ctx context.Context) error {
	stats, err := o.store.ActiveMarketStats(ctx)
	if err != nil {
		return err
	}
	o.setStats(stats)

	symbols := make([]string, 0, len(stats))
	for _, stat := range stats {
		symbols = append(symbols, stat.Symbol)
	}
	for _, pos := range o.registry.All() {
		if !contains(symbols, pos.Symbol) {
			symbols = append(symbols, pos.Symbol)
		}
	}

	added, removed := o.diffActive(symbols)
	for _, sym := range added {
		if err := o.feed.Subscribe(sym); err != nil {
			o.logger.Warn("subscribe failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	for _, sym := range removed {
		if o.registry.Has(sym) {
			continue
		}
		if err := o.feed.Unsubscribe(sym); err != nil {
			o.logger.Warn("unsubscribe failed", zap.String("symbol", sym), zap.Error(err))
		}
		o.history.Remove(sym)
	}

	o.setActive(symbols)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (o *orchestrator) setParams(m map[string]domain.CoinParameters) {
	o.paramsMu.Lock()
	defer o.paramsMu.Unlock()
	o.params = m
}

func (o *orchestrator) setParam(p domain.CoinParameters) {
	o.paramsMu.Lock()
	defer o.paramsMu.Unlock()
	o.params[p.Symbol] = p
}

func (o *orchestrator) paramsFor(symbol string) (domain.CoinParameters, bool) {
	o.paramsMu.RLock()
	defer o.paramsMu.RUnlock()
	p, ok := o.params[symbol]
	return p, ok
}

func (o *orchestrator) setStats(stats []store.MarketStat) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats = make(map[string]store.MarketStat, len(stats))
	for _, s := range stats {
		o.stats[s.Symbol] = s
	}
}

func (o *orchestrator) statFor(symbol string) (store.MarketStat, bool) {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	s, ok := o.stats[symbol]
	return s, ok
}

func (o *orchestrator) setActive(symbols []string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	o.active = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		o.active[s] = true
	}
}

func (o *orchestrator) isActive(symbol string) bool {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	return o.active[symbol]
}

func (o *orchestrator) activeSymbols() []string {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	out := make([]string, 0, len(o.active))
	for s := range o.active {
		out = append(out, s)
	}
	return out
}

// diffActive returns the symbols newly present and newly absent versus
// the current active set.
func (o *orchestrator) diffActive(next []string) (added, removed []string) {
	nextSet := make(map[string]bool, len(next))
	for _, s := range next {
		nextSet[s] = true
	}

	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	for s := range nextSet {
		if !o.active[s] {
			added = append(added, s)
		}
	}
	for s := range o.active {
		if !nextSet[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
