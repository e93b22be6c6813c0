package tempora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/logger"
	"github.com/soundprediction/tempora/pkg/telemetry"
	"github.com/spf13/cobra"
)

// runtime bundles what every command needs: configuration, the process logger
// and, once opened, the engine client.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *tempora.Client
	closers []func() error
}

// newRuntime loads configuration, applies the persistent flags and builds the
// logger. ERROR records are mirrored to parquet when a telemetry path is set.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("db-uri") {
		cfg.Database.URI, _ = cmd.Flags().GetString("db-uri")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: log, closers: []func() error{closeLog}}

	if cfg.Telemetry.ParquetPath != "" {
		ph, err := telemetry.NewParquetHandler(log.Handler(), cfg.Telemetry.ParquetPath, 0)
		if err != nil {
			log.Warn("Error tracking disabled", "error", err)
		} else {
			rt.logger = slog.New(ph)
			rt.closers = append(rt.closers, ph.Close)
			log.Debug("Error tracking enabled", "path", cfg.Telemetry.ParquetPath)
		}
	}
	slog.SetDefault(rt.logger)
	return rt, nil
}

// open connects the configured backend.
func (rt *runtime) open(ctx context.Context) error {
	client, err := tempora.Open(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tempora: %w", err)
	}
	rt.client = client
	rt.closers = append(rt.closers, client.Close)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
