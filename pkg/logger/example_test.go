package logger_test

import (
	"log/slog"

	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/logger"
)

func ExampleNewDefaultLogger() {
	// Create a logger with default settings
	log := logger.NewDefaultLogger(slog.LevelDebug)

	// Log different levels
	log.Debug("This is a debug message")
	log.Info("This is an info message")
	log.Info("Persisting version to badger") // Will be green in terminal
	log.Warn("This is a warning message")    // Will be yellow in terminal
	log.Error("This is an error message")    // Will be red in terminal
}

func ExampleNew() {
	// Create a logger from configuration
	log, closeLog, err := logger.New(config.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		panic(err)
	}
	defer closeLog()

	// Log with attributes
	log.Info("Creating entity version", "entity_id", "model-1", "branch", "main")
	log.Info("Checkpoint persisted", "batch_id", "a1b2c3d4", "offset", 100) // Green
	log.Warn("Write retry", "key", "model-1@main", "attempt", 3)            // Yellow
	log.Error("Backend unavailable", "driver", "neo4j", "error", "timeout")  // Red
}
