// Package app wires every internal package into the running engine and
// owns the process lifecycle: startup sequencing, the three polling
// loops, and graceful shutdown (spec.md §4.11).
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"densityengine/internal/config"
	"densityengine/internal/store"
)

// shutdownGrace bounds how long Run waits for in-flight closes to
// settle once ctx is cancelled, before tearing down regardless.
const shutdownGrace = 15 * time.Second

// App aggregates the process-level dependencies and drives the
// orchestrator through its startup, running and shutdown phases.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New constructs an App.
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) *App {
	return &App{cfg: cfg, logger: logger, store: st}
}

// Run builds the orchestrator, executes the startup sequence, and then
// blocks running every loop until ctx is cancelled (spec.md §4.11:
// "load config -> open DB pool -> load cached coin parameters -> fetch
// initial active-symbol set -> reconcile positions -> subscribe symbols
// -> start Market Feed, Signal loop, Monitor loop, Safety loop").
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("engine initializing",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name))

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("engine running",
		zap.Int("active_symbols", orch.activeSymbolCount()))

	<-ctx.Done()
	a.logger.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	orch.Shutdown(shutdownCtx)

	a.logger.Info("engine stopped")
	return nil
}
