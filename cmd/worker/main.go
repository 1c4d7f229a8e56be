// Backtest worker — claims queued backtest runs from the shared store and
// replays them deterministically. Safe to run as a fleet: claims are
// atomic, so adding workers only adds throughput.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"momentum-trader/internal/backtest"
	"momentum-trader/internal/config"
	"momentum-trader/internal/marketdata"
	"momentum-trader/internal/store"
)

func main() {
	once := flag.Bool("once", false, "claim and execute a single run, then exit")
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MOMO_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Database.URL, cfg.Database.PoolMax)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := marketdata.Migrate(st.DB()); err != nil {
		logger.Error("failed to migrate market data tables", "error", err)
		os.Exit(1)
	}

	worker := backtest.NewWorker(cfg, st, marketdata.NewReader(st.DB()), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		switch err := worker.ClaimOnce(ctx); {
		case errors.Is(err, backtest.ErrNoRun):
			logger.Info("queue empty, nothing to do")
		case err != nil:
			logger.Error("run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
