// OKX Triangular Arbitrage Bot — monitors OKX spot order books over
// WebSocket and executes three-leg arbitrage cycles when the round trip
// clears fees and the risk gate.
//
// Architecture:
//
//	main.go            — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go   — orchestrator: feed → book cache → evaluator → risk gate → executor
//	strategy/evaluator — walks each configured cycle across live books, nets out fees
//	market/book.go     — local order book mirror fed by WebSocket snapshots + deltas (CRC32 verified)
//	market/portfolio   — cached account balances, refreshed over REST
//	exchange/client.go — REST client for the OKX v5 API (orders, balances, instruments)
//	exchange/auth.go   — HMAC-SHA256 request signing
//	exchange/ws.go     — public books feed with auto-reconnect and resubscribe
//	risk/manager.go    — stake sizing, daily loss limits, kill switch
//	executor/executor  — sequential leg placement with retry, timeout, and abort valuation
//	store/store.go     — JSON-lines trade journal, one file per day
//
// How it makes money:
//
//	A triangular cycle converts one asset through two others and back,
//	e.g. USDT → BTC → USDC → USDT. When the product of the three
//	conversion rates, net of taker fees, exceeds 1, the cycle locks in a
//	profit in the starting asset. Such windows are brief; the bot keeps
//	local books current to the millisecond and acts on the best cycle
//	each scan tick.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"okx-triarb/internal/api"
	"okx-triarb/internal/config"
	"okx-triarb/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	mode := flag.String("mode", "", "override run mode: auto or monitor")
	flag.Parse()

	if p := os.Getenv("TRIARB_CONFIG"); p != "" && !flagSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status server if enabled
	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.NewServer(cfg.Status, eng, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d/status", cfg.Status.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	if cfg.Mode != "auto" {
		logger.Info("monitor mode: opportunities are logged, not traded")
	}

	// Wait for a shutdown signal or a fatal engine error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		if err := eng.Err(); err != nil {
			logger.Error("engine stopped", "error", err)
		}
	}

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
	if eng.Err() != nil {
		os.Exit(1)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
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
