package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/minutegraph/internal/app"
	"github.com/raphaelgruber/minutegraph/internal/config"
)

var workerMemory bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker in this process",
	Long: `Run a pipeline worker against the configured database. The worker picks
up pending jobs, queued regenerations and jobs released from entity review
in every mode, and wakes early on NATS job events when NATS_URL is set.

Run exactly one worker per database.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&workerMemory, "memory", false, "keep state in memory (dry runs)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	logger, cleanup := config.SetupLogger(cfg.LogFile, level)
	defer cleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(startCtx, cfg, app.Options{Memory: workerMemory, Logger: logger})
	cancel()
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close: %v\n", err)
		}
	}()

	if err := a.WakeOnEvents(); err != nil {
		logger.Warn("event wake-up disabled", "error", err)
	}

	if err := a.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
