package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/harvest"
	"github.com/jpalmerr/harvest/config"
	"github.com/jpalmerr/harvest/dashboard"
	"github.com/jpalmerr/harvest/internal/server"
	"github.com/jpalmerr/harvest/internal/store"
)

// maxLoggedFailures caps the per-item failures logged after a run.
const maxLoggedFailures = 20

// newLogger creates a JSON logger for CLI use.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a harvest",
	Long: `Run a harvest described by a configuration file.

The run will:
  - Discover item links on every configured listing
  - Resolve the field rules against a sample of items
  - Extract and store every item, adapting the request rate
  - Serve /api/stats, /api/records, /api/sse and /metrics while running

The run stops early when interrupted (Ctrl+C) or on SIGTERM. With --serve
the server keeps running after the harvest completes, until interrupted.

Example:
  harvest run -c harvest.yaml
  harvest run -c harvest.yaml --port 9090 --log-level debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	runCmd.Flags().Int("port", 0, "override the server port from the config")
	runCmd.Flags().Bool("serve", false, "keep serving after the run completes")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(os.Stderr, level)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	opts, partitions, err := config.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	logger.Info("config loaded",
		"partitions", len(partitions),
		"fields", len(cfg.Fields),
		"engine", cfg.Engine.Type,
		"storage", cfg.Storage.Driver,
	)

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Storage.Store())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()
	observed := store.Observe(st, store.NewFeed())

	h, err := harvest.New(append(opts, harvest.WithPersist(persistTo(observed)))...)
	if err != nil {
		return fmt.Errorf("failed to create harvester: %w", err)
	}

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	if !cfg.Server.Disabled {
		srv := server.NewServer(observed, observed.Feed(), h.Stats, cfg.Server.Port, dashboard.Assets, cfg.Server.Title, logger)
		if err := srv.Start(srvCtx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	res, err := h.Run(ctx, partitions)
	logResult(logger, res)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("run interrupted")
			return nil
		}
		return fmt.Errorf("run failed: %w", err)
	}

	if serve, _ := cmd.Flags().GetBool("serve"); serve && !cfg.Server.Disabled {
		logger.Info("run complete, serving until interrupted", "port", cfg.Server.Port)
		<-ctx.Done()
	}
	logger.Info("shutdown complete")
	return nil
}

// persistTo returns a persist function that saves records to st.
func persistTo(st store.Store) harvest.PersistFunc {
	return func(ctx context.Context, rec harvest.Record) error {
		return st.Save(ctx, store.Record{
			Locator:     rec.Locator,
			Partition:   rec.Partition,
			RunID:       rec.RunID,
			Fields:      rec.Fields,
			ExtractedAt: rec.ExtractedAt,
		})
	}
}

func logResult(logger *slog.Logger, res harvest.RunResult) {
	logger.Info("run finished",
		"run_id", res.RunID,
		"discovered", res.Discovered,
		"duplicates", res.Duplicates,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"retried", res.Retried,
		"final_rate", res.FinalRate,
		"duration", res.Duration.String(),
	)

	for i, f := range res.Failures {
		if i == maxLoggedFailures {
			logger.Warn("further item failures omitted", "count", len(res.Failures)-i)
			break
		}
		logger.Warn("item failed",
			"locator", f.Locator,
			"partition", f.Partition,
			"attempts", f.Attempts,
			"error", f.Err,
		)
	}
	for _, d := range res.DiscoveryErrors {
		logger.Warn("discovery failed", "partition", d.Partition, "error", d.Err)
	}
}
