package tempora

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soundprediction/tempora/pkg/server"
	"github.com/soundprediction/tempora/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Tempora HTTP server",
	Long: `Start the Tempora HTTP server to provide read-only REST access to the
versioned knowledge graph.

The server provides endpoints for:
- Point-in-time snapshots and snapshot comparison
- Entity versions, version trees and timelines
- Temporal paths and concept evolution
- Research trend, acceleration, stagnation and recurrence analysis
- Health checks and Prometheus metrics

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServer,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serverCmd.Flags().StringVar(&serverMode, "mode", "debug", "Server mode (debug, release, test)")
	serverCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics")

	// Telemetry flags
	serverCmd.Flags().String("telemetry-parquet-path", "", "Path to directory for error telemetry")
	_ = viper.BindPFlag("telemetry.parquet_path", serverCmd.Flags().Lookup("telemetry-parquet-path"))
}

func runServer(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Override config with command-line flags
	if cmd.Flags().Changed("host") {
		rt.cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		rt.cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("mode") {
		rt.cfg.Server.Mode = serverMode
	}
	if cmd.Flags().Changed("metrics") {
		rt.cfg.Metrics.Enabled, _ = cmd.Flags().GetBool("metrics")
	}

	rt.logger.Info("Initializing Tempora", "driver", rt.cfg.Database.Driver)
	if err := rt.open(cmd.Context()); err != nil {
		return err
	}

	srv := server.New(rt.cfg, rt.client, rt.logger)
	srv.Setup()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start server in a goroutine
	serverErrChan := utils.SafeGoWithResult(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for shutdown signal or server error
	select {
	case err, ok := <-serverErrChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		rt.logger.Info("Received signal", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		rt.logger.Info("Server stopped gracefully")
		return nil
	}
}
