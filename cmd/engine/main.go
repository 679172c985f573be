// Prediction Market Matching Engine — a cross-outcome CLOB matcher for
// binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires consumer → event manager → publisher → snapshot
//	event/manager.go     — active event set, market actor lifecycle, per-event expiry
//	market/actor.go      — single-writer loop per market: validate, match, classify, emit
//	match/match.go       — cross-outcome matching kernel (complementary price 10000-p)
//	book/book.go         — per-token price levels (B-tree) with FIFO within a level
//	stream/consumer.go   — Redis Streams input: consumer group, pending reclaim, dedup, routing
//	stream/publisher.go  — four-way fan-out: store, processor, depth, websocket
//	snapshot/snapshot.go — periodic atomic state dump + resume cursor for recovery
//	ledger/client.go     — asset ledger RPC (settlement) with unconfirmed accounting
//
// In a binary market the two outcome tokens are complementary: a buy of
// one at price p is a sell of the other at 10000-p, so the matcher draws
// candidates from both books of a market at converted prices and fills
// them in a single price-time-priority sequence.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/purplecity/PredictionMarket/internal/config"
	"github.com/purplecity/PredictionMarket/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PM_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// A panic in main's own goroutine is logged before the nonzero exit.
	// Panics in engine goroutines never reach this recover: a market
	// actor logs an invariant violation itself, flushes, and re-panics,
	// which ends the process from that goroutine.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal panic", "panic", r)
			os.Exit(1)
		}
	}()

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("matching engine started",
		"redis", cfg.Redis.Addr,
		"consumer_group", cfg.Engine.ConsumerGroup,
		"snapshot_interval", cfg.Snapshot.Interval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
