// Options Engine — the signal-processing core of a dual-engine options
// paper-trading platform.
//
// Architecture:
//
//	main.go                      — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	app/app.go                   — wires store, broker, workers, and the HTTP API together
//	webhook/ingestor.go          — validates, authenticates, and deduplicates inbound alerts
//	experiment/                  — deterministic A/B variant assignment and execution policies
//	orchestrator/                — claims queued signals, builds market context, runs both engines
//	engines/                     — the momentum (A) and structure (B) recommendation engines
//	strike/                      — strike and expiration selection from the option chain
//	execution/executor.go        — fills paper entry orders at the quoted mid
//	exit/                        — tiered exit decisions and the position exit monitor
//	refresher/                   — marks open positions to market
//	risk/gate.go                 — daily trade, loss, and capital caps, enforced fail-closed
//	health/                      — worker supervision with backoff and queue-depth alerting
//	marketdata/                  — vendor REST client with circuit breaker and rate limit
//	store/                       — Postgres persistence; broker/ — Redis cache and event stream
//	api/                         — webhook intake, monitoring endpoints, WebSocket stream
//
// How signals flow:
//
//	A TradingView-style alert posts to /webhook. The ingestor verifies its
//	signature, drops duplicates, and queues a signal. The orchestrator claims
//	queued signals, assigns each to an A/B experiment, asks both engines for
//	a recommendation, and creates a paper order for the executed side. The
//	executor fills it, the refresher keeps its mark current, and the exit
//	monitor closes it when a profit target, stop, or time rule fires.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/HaloHealthAfrica/optionsengine/internal/app"
	"github.com/HaloHealthAfrica/optionsengine/internal/config"
)

func main() {
	// Best-effort: a missing .env just means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	a, err := app.New(context.Background(), *cfg, logger)
	if err != nil {
		logger.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		logger.Error("failed to start app", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	a.Stop()
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
