// Package main provides the API server and pipeline worker for minutegraph.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/minutegraph/internal/app"
	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/server"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	memory := flag.Bool("memory", false, "keep state in memory instead of SurrealDB")
	noWorker := flag.Bool("no-worker", false, "serve the API only; run the worker elsewhere")
	flag.Parse()

	cfg := config.Load()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("minutegraph-server starting",
		"version", version,
		"port", cfg.ServerPort,
		"memory", *memory,
		"llm_provider", cfg.LLMProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(startCtx, cfg, app.Options{Memory: *memory, Logger: logger})
	cancel()
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("failed to close", "error", err)
		}
	}()

	// Wipe database if requested (via flag or env var)
	if *wipeDB || os.Getenv("MINUTEGRAPH_WIPE_DB") == "true" {
		wipeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.WipeData(wipeCtx)
		cancel()
		if err != nil {
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
		logger.Warn("database wiped")
	}

	g, gctx := errgroup.WithContext(ctx)
	if !*noWorker {
		if err := a.WakeOnEvents(); err != nil {
			logger.Warn("event wake-up disabled", "error", err)
		}
		g.Go(func() error {
			if err := a.Worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.New(a, logger).Run(gctx, ":"+cfg.ServerPort)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
