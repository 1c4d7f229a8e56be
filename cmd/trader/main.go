// Momentum Trader — live paper-trading engine for crypto momentum
// strategies on 1-minute OHLCV + feature data.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — supervisor: one polling loop per active live run
//	engine/processor.go  — per-bar composition: stops/takes → strategy → guard → fills
//	strategy/momentum.go — momentum_breakout@v2: ROC/volume/spread entries, momentum/RSI exits
//	account/accountant.go— order → fill → position VWAP accounting, decimal throughout
//	risk/guard.go        — run gate, caps, capital check, kill switch
//	marketdata/          — 1m bar + feature reads, timeframe aggregation
//	broker/              — paper execution (slippage + fees); REST stub for venue checks
//	store/               — gorm persistence: runs, positions, orders, fills, audit trail
//	api/                 — control-plane HTTP + websocket event stream
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"momentum-trader/internal/api"
	"momentum-trader/internal/config"
	"momentum-trader/internal/engine"
	"momentum-trader/internal/marketdata"
	"momentum-trader/internal/risk"
	"momentum-trader/internal/store"
)

func main() {
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

	reader := marketdata.NewReader(st.DB())
	guard := risk.NewGuard(st, logger, cfg.Engine.CashReservePct, cfg.Engine.KillSwitchPct)
	eng := engine.New(cfg, st, reader, guard, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, st, eng, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("control plane started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	logger.Info("momentum trader started",
		"poll_interval", cfg.Engine.PollInterval,
		"kill_switch_pct", cfg.Engine.KillSwitchPct,
		"slippage_bps", cfg.Execution.SlippageBps,
		"taker_fee_bps", cfg.Execution.TakerFeeBps,
	)

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped with error", "error", err)
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
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
