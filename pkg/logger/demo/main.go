package main

import (
	"log/slog"

	"github.com/soundprediction/tempora/pkg/logger"
)

func main() {
	// Create a colored logger
	log := logger.NewDefaultLogger(slog.LevelDebug)

	log.Info("============================================")
	log.Info("    Tempora Colored Logger Demo")
	log.Info("============================================")
	log.Info("")

	log.Debug("Debug message - standard color")
	log.Info("Info message - standard color")
	log.Info("Persisting version - green!")
	log.Info("Version persisted - also green!")
	log.Warn("Warning message - yellow!")
	log.Error("Error message - red!")

	log.Info("")
	log.Info("Storage operations are highlighted in green:")
	log.Info("Persisting entity version", "entity_id", "model-1", "version_id", "model-1_v2.0")
	log.Info("Checkpoint persisted", "batch_id", "9f2c1e04", "offset", 300)
	log.Info("Snapshot persisted to parquet", "entities", 1200, "relationships", 3400)

	log.Info("")
	log.Warn("Warnings appear in yellow for attention")
	log.Error("Errors appear in red for immediate visibility")

	log.Info("")
	log.Info("Demo complete!")
}
