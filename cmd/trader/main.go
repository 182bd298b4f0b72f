package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"densityengine/internal/app"
	"densityengine/internal/config"
	"densityengine/internal/log"
	"densityengine/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the config file, defaults to configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	db, err := store.New(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "closing database: %v\n", closeErr)
		}
	}()

	logger, err := log.NewLogger(cfg.Logging, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	db.SetFallbackLogger(logger)

	engine := app.New(cfg, logger, db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		logger.Error("engine exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("engine shut down cleanly")
}
